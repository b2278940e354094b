package agent

import (
	"fmt"
	"strconv"
	"strings"
)

// CompareVersion compares dotted numeric versions component by component,
// then by length: "0.0.1.10" > "0.0.1.9" and "1.0" < "1.0.0".
// The result is negative, zero or positive like strings.Compare.
func CompareVersion(a, b string) (int, error) {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		va, err := strconv.Atoi(as[i])
		if err != nil {
			return 0, fmt.Errorf("parse version %q: %w", a, err)
		}
		vb, err := strconv.Atoi(bs[i])
		if err != nil {
			return 0, fmt.Errorf("parse version %q: %w", b, err)
		}
		if d := va - vb; d != 0 {
			return d, nil
		}
	}
	return len(as) - len(bs), nil
}
