package sandbox

import "strings"

// sensitiveSubstrings match environment variable names that carry
// credentials; any variable matching is stripped before the guest can
// observe it.
var sensitiveSubstrings = []string{
	"secret",
	"token",
	"password",
	"passwd",
	"credential",
	"api_key",
	"apikey",
	"private_key",
	"access_key",
}

// sensitivePrefixes match cloud-provider credential namespaces.
var sensitivePrefixes = []string{
	"AWS_",
	"GCP_",
	"GOOGLE_",
	"AZURE_",
	"GITHUB_",
	"GRIMOIRE_",
}

// RedactEnv returns a copy of env with credential-bearing variables removed.
// Matching is by name only; values are never inspected.
func RedactEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for name, value := range env {
		if sensitiveEnvName(name) {
			continue
		}
		out[name] = value
	}
	return out
}

func sensitiveEnvName(name string) bool {
	for _, prefix := range sensitivePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	lower := strings.ToLower(name)
	for _, sub := range sensitiveSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
