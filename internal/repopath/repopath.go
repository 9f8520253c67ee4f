// Package repopath resolves the repository directories and file paths of
// the datastore: shared-memory segments, event pipes, and persisted module
// data. Every category root can be overridden by a YAML config file and by
// environment variables, environment wins.
package repopath

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvConfig   = "SHMSUB_CONFIG"
	EnvRepo     = "SHMSUB_REPO_PATH"
	EnvShmDir   = "SHMSUB_SHM_DIR"
	EnvDataDir  = "SHMSUB_DATA_DIR"
	EnvNotifDir = "SHMSUB_NOTIF_DIR"
)

const (
	defaultRepo   = "/var/lib/shmsub"
	defaultShmDir = "/dev/shm"
)

// Paths holds the resolved category roots.
type Paths struct {
	Repo     string // event pipes and repository metadata
	ShmDir   string // subscription segment files
	DataDir  string // <module>.running / <module>.startup
	NotifDir string // <module>.notif.<from>-<to>
}

type fileConfig struct {
	RepoPath string `yaml:"repo_path"`
	ShmDir   string `yaml:"shm_dir"`
	DataDir  string `yaml:"data_dir"`
	NotifDir string `yaml:"notif_dir"`
}

// Discover resolves the paths from defaults, an optional YAML config file
// named by SHMSUB_CONFIG, and environment variables.
func Discover() (*Paths, error) {
	p := &Paths{Repo: defaultRepo, ShmDir: defaultShmDir}

	if cfgPath := os.Getenv(EnvConfig); cfgPath != "" {
		raw, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", cfgPath, err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", cfgPath, err)
		}
		apply(&p.Repo, fc.RepoPath)
		apply(&p.ShmDir, fc.ShmDir)
		apply(&p.DataDir, fc.DataDir)
		apply(&p.NotifDir, fc.NotifDir)
	}

	apply(&p.Repo, os.Getenv(EnvRepo))
	apply(&p.ShmDir, os.Getenv(EnvShmDir))
	apply(&p.DataDir, os.Getenv(EnvDataDir))
	apply(&p.NotifDir, os.Getenv(EnvNotifDir))

	if p.DataDir == "" {
		p.DataDir = filepath.Join(p.Repo, "data")
	}
	if p.NotifDir == "" {
		p.NotifDir = filepath.Join(p.Repo, "data", "notif")
	}
	return p, nil
}

func apply(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// EvPipePath returns the event-pipe path for a delivery channel number.
func (p *Paths) EvPipePath(num uint32) string {
	return filepath.Join(p.Repo, fmt.Sprintf("sr_evpipe%d", num))
}

// RunningFile returns the persisted running-datastore file of a module.
func (p *Paths) RunningFile(module string) string {
	return filepath.Join(p.DataDir, module+".running")
}

// StartupFile returns the persisted startup-datastore file of a module.
func (p *Paths) StartupFile(module string) string {
	return filepath.Join(p.DataDir, module+".startup")
}

// NotifFile returns the stored-notification file of a module covering the
// [from, to] timestamp range.
func (p *Paths) NotifFile(module string, from, to time.Time) string {
	return filepath.Join(p.NotifDir, fmt.Sprintf("%s.notif.%d-%d", module, from.Unix(), to.Unix()))
}

// CheckAccess verifies this process may read (and optionally write) the
// module's persisted running data. The caller maps the error to its
// permission-denied kind.
func (p *Paths) CheckAccess(module string, write bool) error {
	mode := uint32(unix.R_OK)
	if write {
		mode |= unix.W_OK
	}
	path := p.RunningFile(module)
	if err := unix.Access(path, mode); err != nil {
		return fmt.Errorf("access %q: %w", path, err)
	}
	return nil
}

// FirstNamespace extracts the leading module name of an xpath expression,
// e.g. "/mod:container/leaf" yields "mod". Empty when the expression does
// not start with a namespace-qualified node.
func FirstNamespace(xpath string) string {
	if xpath == "" || xpath[0] != '/' {
		return ""
	}
	expr := xpath[1:]
	if expr != "" && expr[0] == '/' {
		expr = expr[1:]
	}
	if expr == "" || !(isAlpha(expr[0]) || expr[0] == '_') {
		return ""
	}
	i := 1
	for i < len(expr) && (isAlnum(expr[i]) || expr[i] == '_' || expr[i] == '-' || expr[i] == '.') {
		i++
	}
	if i >= len(expr) || expr[i] != ':' {
		return ""
	}
	return expr[:i]
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlnum(c byte) bool {
	return isAlpha(c) || (c >= '0' && c <= '9')
}
