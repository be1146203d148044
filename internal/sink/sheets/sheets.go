// Package sheets records watcher matches into a Google Sheets worksheet.
package sheets

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"ghostbot/internal/sink"
)

const (
	EnvCredentialFile     = "GOOGLE_SHEETS_CREDENTIAL_FILE"
	DefaultCredentialFile = "credentials/service_account.json"

	valueInput = "USER_ENTERED"
)

type Config struct {
	CredentialFile string
	// ClientOptions replace credential-file auth when set (tests, custom transports).
	ClientOptions []option.ClientOption
}

// Ref is a parsed sheet reference.
type Ref struct {
	SpreadsheetID string
	GID           *int64
}

var (
	reDocID = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9_-]+)`)
	reGID   = regexp.MustCompile(`[#?&]gid=(\d+)`)
)

// ParseRef accepts a Google Sheets URL or a bare spreadsheet id, with an
// optional gid selecting the worksheet.
func ParseRef(raw string) (Ref, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Ref{}, newError(KindConfig, "sheet reference is empty", nil, "set destination.sheet_ref to a spreadsheet URL or id")
	}
	var ref Ref
	if m := reGID.FindStringSubmatch(s); m != nil {
		if gid, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			ref.GID = &gid
		}
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		m := reDocID.FindStringSubmatch(s)
		if m == nil {
			return Ref{}, newError(KindConfig, "not a spreadsheet URL", nil, "use the URL from the browser address bar")
		}
		ref.SpreadsheetID = m[1]
		return ref, nil
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if s = strings.TrimSpace(s); s == "" {
		return Ref{}, newError(KindConfig, "sheet reference is empty", nil, "")
	}
	ref.SpreadsheetID = s
	return ref, nil
}

// ResolveCredentialFile picks the service-account key: the env override,
// then the configured path, then the only *.json next to the default path.
func ResolveCredentialFile(configured string) (string, error) {
	if env := strings.TrimSpace(os.Getenv(EnvCredentialFile)); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", newError(KindCredentials, "credential file from "+EnvCredentialFile+" missing", err, "fix "+EnvCredentialFile+" or unset it")
		}
		return env, nil
	}
	path := strings.TrimSpace(configured)
	if path == "" {
		path = DefaultCredentialFile
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if filepath.Base(path) == "service_account.json" {
		matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.json"))
		switch len(matches) {
		case 1:
			return matches[0], nil
		case 0:
		default:
			return "", newError(KindCredentials, "several credential files found", nil,
				"set "+EnvCredentialFile+" or rename the key to service_account.json")
		}
	}
	return "", newError(KindCredentials, "credential file not found at "+path, nil,
		"place the service account JSON key at "+path+" or set "+EnvCredentialFile)
}

// serviceAccountEmail reads client_email from a key file, best effort.
func serviceAccountEmail(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var key struct {
		ClientEmail string `json:"client_email"`
	}
	_ = json.Unmarshal(raw, &key)
	return key.ClientEmail
}

// Opener creates the Sheets client on first use and binds worksheets.
type Opener struct {
	cfg Config

	mu      sync.Mutex
	svc     *gsheets.Service
	account string
}

var _ sink.SheetOpener = (*Opener)(nil)

func NewOpener(cfg Config) *Opener { return &Opener{cfg: cfg} }

func (o *Opener) service(ctx context.Context) (*gsheets.Service, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.svc != nil {
		return o.svc, o.account, nil
	}

	opts := o.cfg.ClientOptions
	account := ""
	if len(opts) == 0 {
		path, err := ResolveCredentialFile(o.cfg.CredentialFile)
		if err != nil {
			return nil, "", err
		}
		account = serviceAccountEmail(path)
		opts = []option.ClientOption{
			option.WithCredentialsFile(path),
			option.WithScopes(gsheets.SpreadsheetsScope),
		}
	}
	svc, err := gsheets.NewService(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, "", newError(KindCredentials, "credential file is invalid", err, "download a fresh JSON key for the service account")
	}
	o.svc, o.account = svc, account
	return svc, account, nil
}

// OpenSheet resolves ref to a worksheet (gid, or the first sheet).
func (o *Opener) OpenSheet(ctx context.Context, raw string) (sink.Recorder, sink.Resolved, error) {
	ref, err := ParseRef(raw)
	if err != nil {
		return nil, sink.Resolved{}, err
	}
	svc, account, err := o.service(ctx)
	if err != nil {
		return nil, sink.Resolved{}, err
	}

	ss, err := svc.Spreadsheets.Get(ref.SpreadsheetID).
		Fields("spreadsheetId", "properties.title", "sheets.properties").
		Context(ctx).Do()
	if err != nil {
		return nil, sink.Resolved{}, classify(err, "spreadsheet", account)
	}

	var ws *gsheets.SheetProperties
	for _, sh := range ss.Sheets {
		if sh == nil || sh.Properties == nil {
			continue
		}
		if ref.GID == nil || sh.Properties.SheetId == *ref.GID {
			ws = sh.Properties
			break
		}
	}
	if ws == nil {
		return nil, sink.Resolved{}, newError(KindNotFound, "worksheet not found in spreadsheet", nil, "check the gid in the sheet URL")
	}

	title := ""
	if ss.Properties != nil {
		title = ss.Properties.Title
	}
	res := sink.Resolved{
		SpreadsheetTitle: title,
		WorksheetTitle:   ws.Title,
		SpreadsheetID:    ss.SpreadsheetId,
		WorksheetID:      ws.SheetId,
	}
	return &Sheet{svc: svc, account: account, id: ss.SpreadsheetId, title: ws.Title}, res, nil
}

// Sheet appends rows to one worksheet. One request is in flight at a time.
type Sheet struct {
	svc     *gsheets.Service
	account string
	id      string
	title   string

	mu sync.Mutex
}

var _ sink.Recorder = (*Sheet)(nil)

func (s *Sheet) a1(r string) string {
	return "'" + strings.ReplaceAll(s.title, "'", "''") + "'!" + r
}

func toRow(values []string) [][]any {
	row := make([]any, len(values))
	for i, v := range values {
		row[i] = v
	}
	return [][]any{row}
}

// EnsureHeader writes columns to row 1 when the row is empty.
func (s *Sheet) EnsureHeader(ctx context.Context, columns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vr, err := s.svc.Spreadsheets.Values.Get(s.id, s.a1("1:1")).Context(ctx).Do()
	if err != nil {
		return classify(err, "worksheet header", s.account)
	}
	if len(vr.Values) > 0 && len(vr.Values[0]) > 0 {
		return nil
	}
	_, err = s.svc.Spreadsheets.Values.Update(s.id, s.a1("A1"), &gsheets.ValueRange{Values: toRow(columns)}).
		ValueInputOption(valueInput).Context(ctx).Do()
	return errors.Wrap(classify(err, "worksheet header", s.account), "ensure header")
}

func (s *Sheet) AppendRow(ctx context.Context, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.svc.Spreadsheets.Values.Append(s.id, s.a1("A1"), &gsheets.ValueRange{Values: toRow(values)}).
		ValueInputOption(valueInput).InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	return errors.Wrap(classify(err, "worksheet", s.account), "append row")
}

func (s *Sheet) Close() error { return nil }
