package dump

import "fmt"

// Engine is the closed set of database engines the coordinator can dump.
// Adding one means adding a constant and a case in dumpCommand; the
// exhaustive switches below are the compile-time completeness check.
type Engine string

const (
	EngineMySQL    Engine = "mysql"
	EngineMariaDB  Engine = "mariadb"
	EnginePostgres Engine = "postgres"
	EngineInflux   Engine = "influxdb"
)

// ParseEngine maps a config string onto an Engine.
func ParseEngine(s string) (Engine, error) {
	switch Engine(s) {
	case EngineMySQL, EngineMariaDB, EnginePostgres, EngineInflux:
		return Engine(s), nil
	default:
		return "", fmt.Errorf("unsupported database engine: %q", s)
	}
}

// NeedsCredential reports whether the engine requires a password to dump.
// InfluxDB 1.x portable backups run against the local bind address without
// authentication.
func (e Engine) NeedsCredential() bool {
	return e != EngineInflux
}

// Target is one configured database container: the logical compose service
// name, its engine, the dump user, and the credential resolved at startup
// from the secrets store.
type Target struct {
	Container  string
	Engine     Engine
	Username   string
	Credential string
}

// Artifact is one successful dump: where it landed and how big it is.
// Verified flips after the artifact passes the gzip integrity pass.
type Artifact struct {
	Target   Target
	Path     string
	Size     int64
	Verified bool
}
