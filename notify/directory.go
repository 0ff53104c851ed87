package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"Gin_postgres_redis_gage_lease/models"

	"github.com/hashicorp/go-cleanhttp"
)

// Recipient is one human to notify. Email may be empty; the dispatcher
// then derives an address from the username.
type Recipient struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Directory answers "who currently works in this unit".
type Directory interface {
	ListUsersMatching(ctx context.Context, department string, functions, operations []string) ([]Recipient, error)
}

// Entry is a directory row before matching.
type Entry struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	Department string `json:"department"`
	Function   string `json:"function"`
	Operation  string `json:"operation"`
}

type Strictness string

const (
	MatchContains Strictness = "contains"
	MatchExact    Strictness = "exact"
)

// Matcher filters directory entries: department must be equal (ignoring
// case); function or operation then match by Strictness. With no
// functions and no operations every entry of the department matches.
type Matcher struct {
	Strictness Strictness
}

func (m Matcher) Match(e Entry, department string, functions, operations []string) bool {
	if !strings.EqualFold(strings.TrimSpace(e.Department), strings.TrimSpace(department)) {
		return false
	}
	if len(functions) == 0 && len(operations) == 0 {
		return true
	}
	return m.anyMatch(e.Function, functions) || m.anyMatch(e.Operation, operations)
}

func (m Matcher) anyMatch(value string, wanted []string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return false
	}
	for _, w := range wanted {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if m.Strictness == MatchExact {
			if v == w {
				return true
			}
			continue
		}
		// 双向包含："METROLOGY" 与 "METROLOGY LAB" 互相匹配
		if strings.Contains(v, w) || strings.Contains(w, v) {
			return true
		}
	}
	return false
}

func (m Matcher) Filter(entries []Entry, department string, functions, operations []string) []Recipient {
	var out []Recipient
	for _, e := range entries {
		if m.Match(e, department, functions, operations) {
			out = append(out, Recipient{Username: e.Username, Email: e.Email})
		}
	}
	return out
}

// SplitList turns a unit field such as "CMM, SURFACE PLATE" into its parts.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ---------- db-backed ----------

type OperatorSource interface {
	OperatorsInDepartment(ctx context.Context, department string) ([]models.Operator, error)
}

type DBDirectory struct {
	src     OperatorSource
	matcher Matcher
}

func NewDBDirectory(src OperatorSource, m Matcher) *DBDirectory {
	return &DBDirectory{src: src, matcher: m}
}

func (d *DBDirectory) ListUsersMatching(ctx context.Context, department string, functions, operations []string) ([]Recipient, error) {
	ops, err := d.src.OperatorsInDepartment(ctx, department)
	if err != nil {
		return nil, fmt.Errorf("directory lookup %q: %w", department, err)
	}
	entries := make([]Entry, 0, len(ops))
	for _, op := range ops {
		entries = append(entries, Entry{
			Username:   op.Username,
			Email:      op.Email,
			Department: op.Department,
			Function:   op.Function,
			Operation:  op.Operation,
		})
	}
	return d.matcher.Filter(entries, department, functions, operations), nil
}

// ---------- http-backed ----------

// HTTPDirectory queries an external directory service:
// GET {baseURL}?department=X returning a JSON array of Entry.
type HTTPDirectory struct {
	baseURL string
	cl      *http.Client
	matcher Matcher
}

func NewHTTPDirectory(baseURL string, m Matcher) *HTTPDirectory {
	cl := cleanhttp.DefaultPooledClient()
	cl.Timeout = 5 * time.Second
	return &HTTPDirectory{baseURL: baseURL, cl: cl, matcher: m}
}

func (d *HTTPDirectory) ListUsersMatching(ctx context.Context, department string, functions, operations []string) ([]Recipient, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("directory url: %w", err)
	}
	q := u.Query()
	q.Set("department", department)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.cl.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned %s", resp.Status)
	}

	var entries []Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	return d.matcher.Filter(entries, department, functions, operations), nil
}
