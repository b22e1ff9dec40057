// Package permission gates every declared operation through a fixed policy
// table and suspends USER_CONFIRM operations until a human decides.
package permission

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ShayCichocki/critic/pkg/models"
)

// policy maps every operation type to its tier. ACCESS_EXTERNAL_API is
// listed as AUTOMATIC and narrowed to FORBIDDEN for hosts off the whitelist.
var policy = map[models.OperationType]models.PermissionLevel{
	models.OpReadFile:          models.PermissionAutomatic,
	models.OpAnalyzeCode:       models.PermissionAutomatic,
	models.OpGenerateComment:   models.PermissionAutomatic,
	models.OpPostComment:       models.PermissionUserConfirm,
	models.OpAccessExternalAPI: models.PermissionAutomatic,
	models.OpModifyCode:        models.PermissionForbidden,
	models.OpExecuteCommand:    models.PermissionForbidden,
}

func init() {
	for _, op := range models.AllOperationTypes {
		if _, ok := policy[op]; !ok {
			panic(fmt.Sprintf("permission: no policy for operation %s", op))
		}
	}
}

// LevelFor returns the tier applied to op against resource. Unknown
// operations are FORBIDDEN.
func LevelFor(op models.OperationType, resource string, whitelist []string) models.PermissionLevel {
	level, ok := policy[op]
	// init covers every declared operation; this catches converted strings.
	if !ok {
		return models.PermissionForbidden
	}
	if op == models.OpAccessExternalAPI && !hostAllowed(resource, whitelist) {
		return models.PermissionForbidden
	}
	return level
}

// hostAllowed reports whether resource names a whitelisted host. resource
// may be a bare host or a URL. A whitelist entry of ".example.com" also
// admits subdomains.
func hostAllowed(resource string, whitelist []string) bool {
	host := resource
	if u, err := url.Parse(resource); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, allowed := range whitelist {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		switch {
		case allowed == "":
		case strings.HasPrefix(allowed, "."):
			if strings.HasSuffix(host, allowed) || host == allowed[1:] {
				return true
			}
		case host == allowed:
			return true
		}
	}
	return false
}
