package targets

import (
	"sort"

	"github.com/dgellow/mcp-gateway/internal"
	"github.com/dgellow/mcp-gateway/internal/config"
)

// resolveEnvironment turns the declared env of a stdio server into
// KEY=VALUE pairs. Explicit nulls are omitted. Empty literals and unset
// references are reported as missing.
func resolveEnvironment(server config.TargetServer, lookup func(string) (string, bool)) (env []string, missing []MissingEnv) {
	keys := make([]string, 0, len(server.Env))
	for k := range server.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := server.Env[key]
		if value.IsNull() {
			continue
		}
		resolved, ok := value.Resolve(lookup)
		if ok {
			env = append(env, key+"="+resolved)
			continue
		}
		m := MissingEnv{Key: key, Kind: MissingLiteral}
		if value.IsFromEnv() {
			m.Kind = MissingFromEnv
			m.FromEnvName = value.FromEnvName()
		}
		missing = append(missing, m)
	}
	return env, missing
}

// dropMissing logs the values that are left out when the catalog is not
// strict. The server is started without them.
// TODO: confirm with product whether non-strict mode should also wait for input.
func dropMissing(server string, missing []MissingEnv) {
	for _, m := range missing {
		internal.LogWarnWithFields("targets", "dropping missing env value", map[string]interface{}{
			"server":  server,
			"key":     m.Key,
			"type":    m.Kind,
			"fromEnv": m.FromEnvName,
		})
	}
}
