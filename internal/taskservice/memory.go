package taskservice

import (
	"bufio"
	"math"
	"os"
	"strconv"
	"strings"
)

// freeMemoryMB reads MemAvailable out of /proc/meminfo. Returns +Inf when
// the file can't be read, so a gate comparing
// against a finite threshold always passes open rather than wedging the
// worker on an unsupported platform.
func freeMemoryMB() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return math.Inf(1)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			break
		}
		return kb / 1024.0
	}
	return math.Inf(1)
}
