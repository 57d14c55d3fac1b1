package bambu

import (
	"fmt"
	"strings"

	"github.com/john/printbridge/printer"
)

// ParseCredentials splits a "<serial>:<token>" blob.
func ParseCredentials(blob string) (serial, token string, err error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: expected \"<serial>:<token>\", got %q", printer.ErrInvalidCredentials, blob)
	}
	return parts[0], parts[1], nil
}
