package gcp

import (
	"strings"

	"google.golang.org/api/option"

	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
)

// ClientOptionsFromEnv resolves credentials for every GCP client in one
// place. GOOGLE_APPLICATION_CREDENTIALS_JSON may hold either inline JSON or a
// file path; GOOGLE_APPLICATION_CREDENTIALS is the usual path variable. With
// neither set the SDK falls back to application default credentials.
func ClientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(envutil.String("GOOGLE_APPLICATION_CREDENTIALS_JSON", ""))
	if creds == "" {
		creds = strings.TrimSpace(envutil.String("GOOGLE_APPLICATION_CREDENTIALS", ""))
	}
	switch {
	case creds == "":
		return nil
	case strings.HasPrefix(creds, "{"):
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}
