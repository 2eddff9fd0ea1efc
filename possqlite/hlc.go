// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package possqlite

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HLC stamps are "<wall ms, 13 digits>-<counter, 4 digits>-<node>" so they sort as text.

func formatHLC(wallMs, counter int64, node string) string {
	return fmt.Sprintf("%013d-%04d-%s", wallMs, counter, node)
}

func parseHLC(s string) (wallMs, counter int64, ok bool) {
	parts := strings.SplitN(s, "-", 3)
	if len(parts) != 3 {
		return 0, 0, false
	}
	w, err1 := strconv.ParseInt(parts[0], 10, 64)
	n, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, n, true
}

// nextHLC advances prev with the local clock; it never goes backwards even if the wall clock does.
func nextHLC(prev string, now time.Time, node string) string {
	wall := now.UnixMilli()
	pw, pc, ok := parseHLC(prev)
	if !ok || wall > pw {
		return formatHLC(wall, 0, node)
	}
	return formatHLC(pw, pc+1, node)
}
