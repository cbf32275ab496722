// Package sqlgen generates the source-side permission script.
//
// The script is a static text artifact enumerating the minimum grants an
// operator must apply out of band before Melchi can run: USAGE on the
// warehouse and replicated objects, CREATE TABLE and CREATE STREAM on the
// change tracking schema, SELECT on each replicated table, and
// CHANGE_TRACKING enablement. Melchi never executes it.
package sqlgen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ryanwith/melchi/pkg/config"
)

// GenerateSourceSQL renders the permission script for the configured source
// role and table set.
func GenerateSourceSQL(src config.SourceConfig, tables []config.TableEntry) string {
	role := src.Role
	trackingSchema := fmt.Sprintf("%s.%s", src.ChangeTrackingDatabase, src.ChangeTrackingSchema)

	var b strings.Builder

	section(&b,
		"--This statement uses a role that should have permissions to perform the following actions.",
		"--You may need to use one or more other roles if you do not have access to SECURITYADMIN.",
		"USE ROLE SECURITYADMIN;")

	section(&b,
		"--This command creates the change tracking schema.  Not required if it already exists.",
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", trackingSchema))

	changeTracking := []string{"--These statements enable Melchi to create streams that track changes on the provided tables."}
	databaseGrants := map[string]bool{}
	schemaGrants := map[string]bool{}
	var tableGrants []string
	for _, t := range tables {
		changeTracking = append(changeTracking,
			fmt.Sprintf("ALTER TABLE %s SET CHANGE_TRACKING = TRUE;", t.Ref))
		databaseGrants[fmt.Sprintf("GRANT USAGE ON DATABASE %s TO ROLE %s;", t.Ref.Database, role)] = true
		schemaGrants[fmt.Sprintf("GRANT USAGE ON SCHEMA %s.%s TO ROLE %s;", t.Ref.Database, t.Ref.Schema, role)] = true
		tableGrants = append(tableGrants,
			fmt.Sprintf("GRANT SELECT ON TABLE %s TO ROLE %s;", t.Ref, role))
	}
	section(&b, changeTracking...)

	section(&b,
		"--These grants enable Melchi to create objects that track changes.",
		fmt.Sprintf("GRANT USAGE ON WAREHOUSE %s TO ROLE %s;", src.Warehouse, role),
		fmt.Sprintf("GRANT USAGE ON DATABASE %s TO ROLE %s;", src.ChangeTrackingDatabase, role),
		fmt.Sprintf("GRANT USAGE, CREATE TABLE, CREATE STREAM ON SCHEMA %s TO ROLE %s;", trackingSchema, role))

	read := []string{"--These grants enable Melchi to read changes from your objects."}
	read = append(read, sorted(databaseGrants)...)
	read = append(read, sorted(schemaGrants)...)
	read = append(read, tableGrants...)
	section(&b, read...)

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func section(b *strings.Builder, lines ...string) {
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func sorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
