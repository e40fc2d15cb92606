// Package dbms holds the per-vendor facts needed to run, probe and connect
// to a database server.
package dbms

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/bayleafwalker/foundry/internal/semver"
)

// Secret keys used by admin and schema secrets.
const (
	SecretUsernameKey = "username"
	SecretPasswordKey = "password"
)

// Vendor describes how to run and talk to one database implementation.
type Vendor struct {
	Name string
	// Image is the repository without a tag; Versions are the supported tags.
	Image    string
	Versions []string
	Port     int32
	DataPath string
	// DataDirEnv, when set, names the variable that moves the data directory
	// to DataDir below DataPath, away from lost+found on fresh volumes.
	DataDirEnv string
	DataDir    string

	// Env names the variables the image reads for bootstrap credentials.
	AdminUserEnv     string
	AdminPasswordEnv string
	DatabaseEnv      string
	// DefaultAdminUser is used when the image has a fixed superuser.
	DefaultAdminUser string

	// HealthCheck is an exec probe command.
	HealthCheck []string

	// ConnectionString is a text/template with sprig functions over ConnectionInfo.
	ConnectionString string

	// SchemaScript renders a shell script that creates a schema user with its
	// own password, run with admin credentials in ADMIN_USER / ADMIN_PASSWORD
	// and schema credentials in SCHEMA_USER / SCHEMA_PASSWORD.
	SchemaScript string
	// ClientImage runs SchemaScript.
	ClientImage string
}

// ConnectionInfo is the input to ConnectionString and SchemaScript.
type ConnectionInfo struct {
	Host     string
	Port     int32
	Database string
	Schema   string
}

var vendors = map[string]Vendor{
	"postgresql": {
		Name:             "postgresql",
		Image:            "docker.io/library/postgres",
		Versions:         []string{"13.16", "14.13", "15.8", "16.4"},
		Port:             5432,
		DataPath:         "/var/lib/postgresql/data",
		DataDirEnv:       "PGDATA",
		DataDir:          "/var/lib/postgresql/data/pgdata",
		AdminUserEnv:     "POSTGRES_USER",
		AdminPasswordEnv: "POSTGRES_PASSWORD",
		DatabaseEnv:      "POSTGRES_DB",
		DefaultAdminUser: "postgres",
		HealthCheck:      []string{"pg_isready", "-U", "postgres"},
		ConnectionString: `postgresql://{{ .Host }}:{{ .Port }}/{{ .Database | default "postgres" }}`,
		SchemaScript: `export PGPASSWORD="$ADMIN_PASSWORD"
psql -h {{ .Host }} -p {{ .Port }} -U "$ADMIN_USER" -d {{ .Database | default "postgres" }} -v ON_ERROR_STOP=1 <<SQL
DO \$\$ BEGIN
  IF NOT EXISTS (SELECT FROM pg_roles WHERE rolname = '{{ .Schema }}') THEN
    CREATE ROLE "{{ .Schema }}" LOGIN PASSWORD '$SCHEMA_PASSWORD';
  END IF;
END \$\$;
CREATE SCHEMA IF NOT EXISTS "{{ .Schema }}" AUTHORIZATION "{{ .Schema }}";
SQL`,
		ClientImage: "docker.io/library/postgres:16.4",
	},
	"mysql": {
		Name:             "mysql",
		Image:            "docker.io/library/mysql",
		Versions:         []string{"8.0", "8.4"},
		Port:             3306,
		DataPath:         "/var/lib/mysql",
		AdminPasswordEnv: "MYSQL_ROOT_PASSWORD",
		DatabaseEnv:      "MYSQL_DATABASE",
		DefaultAdminUser: "root",
		HealthCheck:      []string{"mysqladmin", "ping", "-h", "127.0.0.1"},
		ConnectionString: `mysql://{{ .Host }}:{{ .Port }}/{{ .Database | default .Schema }}`,
		SchemaScript: `mysql -h {{ .Host }} -P {{ .Port }} -u "$ADMIN_USER" -p"$ADMIN_PASSWORD" <<SQL
CREATE DATABASE IF NOT EXISTS {{ .Schema }};
CREATE USER IF NOT EXISTS '{{ .Schema }}'@'%' IDENTIFIED BY '$SCHEMA_PASSWORD';
GRANT ALL ON {{ .Schema }}.* TO '{{ .Schema }}'@'%';
SQL`,
		ClientImage: "docker.io/library/mysql:8.4",
	},
}

// Lookup returns the vendor strategy for name. An empty name selects postgresql.
func Lookup(name string) (Vendor, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "postgresql"
	}
	v, ok := vendors[key]
	if !ok {
		return Vendor{}, fmt.Errorf("unsupported DBMS implementation %q (supported: %s)", name, strings.Join(Names(), ", "))
	}
	return v, nil
}

// Names lists the supported vendors in sorted order.
func Names() []string {
	out := make([]string, 0, len(vendors))
	for k := range vendors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ImageFor returns repository:tag for the highest supported version that
// satisfies constraint. repository overrides v.Image when non-empty.
func (v Vendor) ImageFor(repository, constraint string) (string, error) {
	tag, err := semver.Select(constraint, v.Versions)
	if err != nil {
		return "", fmt.Errorf("%s: %w", v.Name, err)
	}
	if strings.TrimSpace(repository) == "" {
		repository = v.Image
	}
	return repository + ":" + tag, nil
}

// AdminUser is the superuser name the server bootstraps with.
func (v Vendor) AdminUser() string {
	return v.DefaultAdminUser
}

// RenderConnectionString renders the vendor connection URL.
func (v Vendor) RenderConnectionString(info ConnectionInfo) (string, error) {
	return render(v.Name+"-connection", v.ConnectionString, info)
}

// SchemaName turns a resource-derived name into a SQL identifier.
func SchemaName(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
}

// RenderSchemaScript renders the schema creation script for info.Schema.
func (v Vendor) RenderSchemaScript(info ConnectionInfo) (string, error) {
	if strings.TrimSpace(info.Schema) == "" {
		return "", fmt.Errorf("%s: schema name is required", v.Name)
	}
	return render(v.Name+"-schema", v.SchemaScript, info)
}

func render(name, text string, info ConnectionInfo) (string, error) {
	tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, info); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}
