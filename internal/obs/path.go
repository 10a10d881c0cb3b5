package obs

import "strings"

// CanonicalPath collapses path parameters so metric label cardinality stays
// bounded: receipt codes, conflict ids and user ids are replaced with
// placeholders. Unrecognized paths pass through unchanged.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	switch {
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "sync" && parts[2] == "conflicts" && parts[4] == "resolve":
		return "/v1/sync/conflicts/:id/resolve"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "receipts":
		return "/v1/receipts/:code"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "receipts" && parts[3] == "verify":
		return "/v1/receipts/:code/verify"
	case len(parts) == 5 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "receipts" && parts[3] == "chain":
		return "/v1/admin/receipts/chain/:user_id"
	}
	return path
}
