package fleet

import (
	"fmt"
	"strings"
)

// bannedTerms are command fragments that are always refused, regardless
// of which robot or operator issued them.
var bannedTerms = []string{
	"self_destruct",
	"disable_sandbox",
	"override_guardian",
	"weapon",
	"explosive",
	"tase",
	"pepper spray",
}

// CheckCommand rejects commands containing banned terms. Matching is
// case-insensitive and scans the whole command text.
func CheckCommand(command string) error {
	lowered := strings.ToLower(command)
	for _, term := range bannedTerms {
		if strings.Contains(lowered, term) {
			return fmt.Errorf("command contains prohibited term %q", term)
		}
	}
	return nil
}
