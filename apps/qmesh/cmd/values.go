package cmd

import (
	"fmt"
	"strings"

	"github.com/quatton/qmesh/pkg/qconf"
)

// parseValues reads key=value pairs. Values stay strings; the schema
// coerces them to the option type.
func parseValues(pairs []string) (qconf.Values, error) {
	values := qconf.Values{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		values[k] = strings.TrimSpace(v)
	}
	return values, nil
}
