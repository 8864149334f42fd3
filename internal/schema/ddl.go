package schema

import (
	"regexp"
	"strings"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// DDL is the table-level effect of a statement.
type DDL struct {
	// Changed tables exist after the statement and need their schema re-registered.
	Changed []cdc.TableRef
	// Dropped tables no longer exist under that name.
	Dropped []cdc.TableRef
}

const ident = "(?:`[^`]+`|[\\w$]+)"
const tableName = ident + `(?:\s*\.\s*` + ident + `)?`

var (
	leadingComment = regexp.MustCompile(`^(?s)\s*/\*.*?\*/`)
	createRe       = regexp.MustCompile(`(?is)^CREATE\s+(?:TEMPORARY\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?(` + tableName + `)`)
	alterRe        = regexp.MustCompile(`(?is)^ALTER\s+(?:ONLINE\s+|IGNORE\s+)*TABLE\s+(` + tableName + `)(.*)$`)
	alterRenameRe  = regexp.MustCompile(`(?is)\bRENAME\s+(?:(?:TO|AS)\s+)?(` + tableName + `)`)
	dropRe         = regexp.MustCompile(`(?is)^DROP\s+(?:TEMPORARY\s+)?TABLES?\s+(?:IF\s+EXISTS\s+)?(.+)$`)
	renameRe       = regexp.MustCompile(`(?is)^RENAME\s+TABLES?\s+(.+)$`)
	truncateRe     = regexp.MustCompile(`(?is)^TRUNCATE\s+(?:TABLE\s+)?(` + tableName + `)`)
	identRe        = regexp.MustCompile(ident)
	nameRe         = regexp.MustCompile(`^\s*(` + tableName + `)`)
	renamePairRe   = regexp.MustCompile(`(?is)^\s*(` + tableName + `)\s+TO\s+(` + tableName + `)`)
)

// ParseDDL reports which tables a statement creates, alters or drops. Unqualified
// names resolve to database. ok is false for statements that do not touch tables.
func ParseDDL(statement, database string) (DDL, bool) {
	stmt := strings.TrimSpace(statement)
	for {
		loc := leadingComment.FindStringIndex(stmt)
		if loc == nil {
			break
		}
		stmt = strings.TrimSpace(stmt[loc[1]:])
	}

	if m := createRe.FindStringSubmatch(stmt); m != nil {
		return DDL{Changed: []cdc.TableRef{parseTableRef(m[1], database)}}, true
	}
	if m := alterRe.FindStringSubmatch(stmt); m != nil {
		table := parseTableRef(m[1], database)
		for _, r := range alterRenameRe.FindAllStringSubmatch(m[2], -1) {
			switch strings.ToUpper(r[1]) {
			case "COLUMN", "INDEX", "KEY":
				continue
			}
			return DDL{Changed: []cdc.TableRef{parseTableRef(r[1], database)}, Dropped: []cdc.TableRef{table}}, true
		}
		return DDL{Changed: []cdc.TableRef{table}}, true
	}
	if m := truncateRe.FindStringSubmatch(stmt); m != nil {
		return DDL{Changed: []cdc.TableRef{parseTableRef(m[1], database)}}, true
	}
	if m := dropRe.FindStringSubmatch(stmt); m != nil {
		var ddl DDL
		for _, part := range strings.Split(m[1], ",") {
			if n := nameRe.FindStringSubmatch(part); n != nil {
				ddl.Dropped = append(ddl.Dropped, parseTableRef(n[1], database))
			}
		}
		return ddl, len(ddl.Dropped) > 0
	}
	if m := renameRe.FindStringSubmatch(stmt); m != nil {
		var ddl DDL
		for _, part := range strings.Split(m[1], ",") {
			if p := renamePairRe.FindStringSubmatch(part); p != nil {
				ddl.Dropped = append(ddl.Dropped, parseTableRef(p[1], database))
				ddl.Changed = append(ddl.Changed, parseTableRef(p[2], database))
			}
		}
		return ddl, len(ddl.Changed) > 0
	}
	return DDL{}, false
}

func parseTableRef(name, database string) cdc.TableRef {
	parts := identRe.FindAllString(name, 2)
	if len(parts) == 2 {
		return cdc.TableRef{Database: unquote(parts[0]), Table: unquote(parts[1])}
	}
	return cdc.TableRef{Database: database, Table: unquote(name)}
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), "`")
}
