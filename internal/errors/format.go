package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// FormatForCLI formats an error for terminal output.
// SyncErrors show their code and details; other errors print as-is.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}

	var se *SyncError
	if !errors.As(err, &se) {
		return fmt.Sprintf("Error: %s\n", err.Error())
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Error: %s\n", se.Message))

	if len(se.Details) > 0 {
		keys := make([]string, 0, len(se.Details))
		for k := range se.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("  %s: %s\n", k, se.Details[k]))
		}
	}

	sb.WriteString(fmt.Sprintf("[%s]\n", se.Code))
	return sb.String()
}
