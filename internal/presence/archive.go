package presence

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

const stampLayout = "20060102T150405"

// ArchiveDir returns the archive directory of the product name below root.
// now dates names that carry no acquisition time.
//
// Mission detection is a substring match on the whole name and fixed offsets
// are clamped to the name, the same way existing archives were laid out.
func ArchiveDir(root, name string, now time.Time) string {
	fields := strings.Split(name, "_")
	sat := fields[0]

	year, doy := "0000", "000"
	if t, err := time.Parse(stampLayout, acquisitionStamp(name, fields, now)); err == nil {
		year = fmt.Sprintf("%04d", t.Year())
		doy = fmt.Sprintf("%03d", t.YearDay())
	}

	mode := "UNKNOWN"
	if len(fields) > 1 {
		mode = fields[1]
		if strings.HasPrefix(mode, "S") {
			// Stripmap beams S1..S6 share one directory.
			mode = "SM"
		}
	}

	level := span(name, 12, 13)
	if strings.Contains(name, "S3") {
		level = "0"
		if len(fields) > 2 {
			level = fields[2]
		}
	}

	family := name
	if strings.Contains(name, "S1") {
		family = sat + "_" + mode + span(name, 6, 14)
	}

	unit := strings.ToLower(span(sat, 2, len(sat)))
	return filepath.Join(root, "sentinel-"+unit, "L"+level, mode, family, year, doy)
}

// acquisitionStamp extracts the acquisition start from a product name.
func acquisitionStamp(name string, fields []string, now time.Time) string {
	switch {
	case strings.Contains(name, "S1"):
		return span(name, 17, 32)
	case strings.Contains(name, "S2"):
		return span(name, 11, 26)
	case strings.Contains(name, "S3") && len(fields) > 7:
		return fields[7]
	default:
		return now.Format(stampLayout)
	}
}

// span returns s[i:j] with both bounds clamped to len(s).
func span(s string, i, j int) string {
	i, j = min(i, len(s)), min(j, len(s))
	if i >= j {
		return ""
	}
	return s[i:j]
}
