// SPDX-License-Identifier: MPL-2.0

package dashboard

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ReadPIDFile parses a file holding a single process id.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s: %q", path, strings.TrimSpace(string(data)))
	}
	return pid, nil
}
