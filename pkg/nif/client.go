package nif

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/luftsport/nif-integration/pkg/metrics"
	"github.com/luftsport/nif-integration/pkg/types"
)

const (
	serviceSync        = "SynchronizationService.svc"
	serviceIntegration = "IntegrationService.svc"
	serviceCompetence  = "Competence2Service.svc"

	actionNamespace = "http://www.nif.no/services"
)

// ErrUnavailable is the typed condition for transport or
// authentication failures against the federation api. The client never
// retries internally; retry policy lives in callers.
var ErrUnavailable = errors.New("source unavailable")

// Fault is an application fault reported by the federation api with
// its own code and message.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("source fault %d: %s", f.Code, f.Message)
}

// Client is a typed client for the federation SOAP api. Credentials
// are the composite app_id/function_id/username string plus password;
// the realm tag selects the environment.
type Client struct {
	baseURL  string
	username string
	password string
	realm    string
	loc      *time.Location
	http     *http.Client
}

// New creates a source client. loc is the fixed local timezone used
// for change window timestamps.
func New(baseURL, username, password, realm string, loc *time.Location) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		realm:    realm,
		loc:      loc,
		http:     &http.Client{Timeout: 120 * time.Second},
	}
}

// NewWithHTTPClient creates a source client with a caller supplied
// http.Client, used in tests
func NewWithHTTPClient(baseURL, username, password, realm string, loc *time.Location, hc *http.Client) *Client {
	c := New(baseURL, username, password, realm, loc)
	c.http = hc
	return c
}

// Username returns the composite credential this client authenticates
// with
func (c *Client) Username() string {
	return c.username
}

type param struct {
	name  string
	value string
}

func (c *Client) envelope(action string, params []param) string {
	var b strings.Builder
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">`)
	b.WriteString(`<s:Header><Credentials>`)
	fmt.Fprintf(&b, "<UserName>%s</UserName>", escape(c.username))
	fmt.Fprintf(&b, "<Password>%s</Password>", escape(c.password))
	fmt.Fprintf(&b, "<Realm>%s</Realm>", escape(c.realm))
	b.WriteString(`</Credentials></s:Header><s:Body>`)
	fmt.Fprintf(&b, `<%s xmlns=%q>`, action, actionNamespace)
	for _, p := range params {
		fmt.Fprintf(&b, "<%s>%s</%s>", p.name, escape(p.value), p.name)
	}
	fmt.Fprintf(&b, "</%s></s:Body></s:Envelope>", action)
	return b.String()
}

func escape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

// call posts one envelope and returns the <action>Result subtree
func (c *Client) call(ctx context.Context, service, action string, params []param) (map[string]interface{}, error) {
	body := c.envelope(action, params)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+service, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", actionNamespace+"/"+action)

	timer := prometheus.NewTimer(metrics.SourceRequestDuration.WithLabelValues(action))
	defer timer.ObserveDuration()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 500 && resp.StatusCode != http.StatusInternalServerError {
		// 500 may carry a soap fault body, everything else is transport
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	doc, err := xmlToMap(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if f, ok := dig(doc, "Body", "Fault"); ok {
		fm, _ := f.(map[string]interface{})
		fault := &Fault{Message: "unknown fault"}
		if s, ok := fm["faultstring"].(string); ok {
			fault.Message = s
		}
		if code, ok := fm["faultcode"].(int); ok {
			fault.Code = code
		}
		return nil, fault
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	result, ok := dig(doc, "Body", action+"Response", action+"Result")
	if !ok {
		return nil, fmt.Errorf("%w: no %sResult in response", ErrUnavailable, action)
	}

	rm, ok := result.(map[string]interface{})
	if !ok {
		// Leaf result, e.g. Hello returning a bare boolean
		return map[string]interface{}{"Value": result}, nil
	}

	if success, ok := rm["Success"].(bool); ok && !success {
		fault := &Fault{Message: "unknown error"}
		if s, ok := rm["ErrorMessage"].(string); ok {
			fault.Message = s
		}
		if code, ok := rm["ErrorCode"].(int); ok {
			fault.Code = code
		}
		return nil, fault
	}

	return rm, nil
}

var changeActions = map[types.SyncType]string{
	types.SyncChanges:    "GetChanges3",
	types.SyncCompetence: "GetChangesCompetence2",
	types.SyncLicense:    "GetChangesLicense",
	types.SyncPayments:   "GetChangesPayments",
	types.SyncFederation: "GetChangesFederation",
}

const windowLayout = "2006-01-02T15:04:05"

// GetChanges fetches change messages of the given kind in the window
// [from, to). Timestamps are sent in the source's fixed local
// timezone.
func (c *Client) GetChanges(ctx context.Context, kind types.SyncType, from, to time.Time) ([]types.WorkItem, error) {
	action, ok := changeActions[kind]
	if !ok {
		return nil, fmt.Errorf("%q is not a valid sync type", kind)
	}

	result, err := c.call(ctx, serviceSync, action, []param{
		{"ChangedAfterDateTime", from.In(c.loc).Format(windowLayout)},
		{"ChangedBeforeDateTime", to.In(c.loc).Format(windowLayout)},
	})
	if err != nil {
		return nil, err
	}

	raw, _ := dig(result, "Changes", "ChangeInfo")

	var items []types.WorkItem
	for _, entry := range asList(raw) {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		item, err := c.changeItem(m)
		if err != nil {
			return nil, fmt.Errorf("bad change entry: %w", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *Client) changeItem(m map[string]interface{}) (types.WorkItem, error) {
	var item types.WorkItem

	kind, _ := m["EntityType"].(string)
	item.EntityType = types.EntityKind(kind)
	if !item.EntityType.Valid() {
		return item, fmt.Errorf("unknown entity type %q", kind)
	}

	id, ok := m["Id"].(int)
	if !ok {
		return item, fmt.Errorf("missing entity id")
	}
	item.EntityID = id

	ordinal, _ := m["SequenceOrdinal"].(string)
	t, err := parseTime(ordinal, c.loc)
	if err != nil {
		return item, err
	}
	item.SequenceOrdinal = t.UTC()

	if name, ok := m["Name"].(string); ok {
		item.Name = name
	}

	if merged, ok := dig(m, "MergeResultOf", "int"); ok {
		for _, v := range asList(merged) {
			if n, ok := v.(int); ok {
				item.MergedFrom = append(item.MergedFrom, n)
			}
		}
	}

	return item, nil
}

var entityCalls = map[types.EntityKind]struct {
	service string
	action  string
}{
	types.EntityPerson:       {serviceIntegration, "PersonGet"},
	types.EntityFunction:     {serviceIntegration, "FunctionGet"},
	types.EntityOrganization: {serviceIntegration, "OrgGet"},
	types.EntityCompetence:   {serviceCompetence, "CompetenceGet"},
	types.EntityLicense:      {serviceIntegration, "LicenseGet"},
	types.EntityPayment:      {serviceIntegration, "PaymentGet"},
}

// GetEntity fetches the authoritative snapshot for one entity. The
// shape is passed through untranslated apart from snake_case keys.
// orgStructure is only used for Organization fetches.
func (c *Client) GetEntity(ctx context.Context, kind types.EntityKind, id, orgStructure int) (map[string]interface{}, error) {
	call, ok := entityCalls[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", kind)
	}

	params := []param{{"Id", fmt.Sprintf("%d", id)}}
	if kind == types.EntityOrganization {
		params = append(params, param{"OrgStructure", fmt.Sprintf("%d", orgStructure)})
	}

	result, err := c.call(ctx, call.service, call.action, params)
	if err != nil {
		return nil, err
	}

	entity, ok := result["Entity"].(map[string]interface{})
	if !ok {
		// Some endpoints inline the entity in the result element
		entity = result
	}
	return normalizeKeys(entity), nil
}

// CreateUserRequest carries the provisioning parameters for a new
// club integration user
type CreateUserRequest struct {
	FirstName string
	LastName  string
	OrgID     int
	UserName  string
	Password  string
}

// UserFunction is one function the created user is active in
type UserFunction struct {
	ID             int
	FunctionTypeID int
	ActiveInOrgID  int
}

// CreatedUser is the source's record of a freshly provisioned
// integration user
type CreatedUser struct {
	ID          int
	PersonID    int
	LastChanged string
	Functions   []UserFunction
}

// CreateIntegrationUser provisions a new integration user on the
// source. The created user may take up to ~180 s before it can
// authenticate; see Hello.
func (c *Client) CreateIntegrationUser(ctx context.Context, req CreateUserRequest) (*CreatedUser, error) {
	result, err := c.call(ctx, serviceSync, "CreateIntegrationUser", []param{
		{"FirstName", req.FirstName},
		{"LastName", req.LastName},
		{"OrgId", fmt.Sprintf("%d", req.OrgID)},
		{"UserName", req.UserName},
		{"Password", req.Password},
	})
	if err != nil {
		return nil, err
	}

	raw := result
	if user, ok := result["User"].(map[string]interface{}); ok {
		raw = user
	}

	created := &CreatedUser{}
	if id, ok := raw["Id"].(int); ok {
		created.ID = id
	}
	if id, ok := raw["PersonId"].(int); ok {
		created.PersonID = id
	}
	if s, ok := raw["LastChangedDate"].(string); ok {
		created.LastChanged = s
	}
	if funcs, ok := dig(raw, "ActiveFunctions", "Function"); ok {
		for _, entry := range asList(funcs) {
			fm, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			var f UserFunction
			f.ID, _ = fm["Id"].(int)
			f.FunctionTypeID, _ = fm["FunctionTypeId"].(int)
			f.ActiveInOrgID, _ = fm["ActiveInOrgId"].(int)
			created.Functions = append(created.Functions, f)
		}
	}
	if created.ID == 0 && created.PersonID == 0 {
		return nil, fmt.Errorf("created user carries no id")
	}
	return created, nil
}

// Hello is a lightweight liveness and authentication check
func (c *Client) Hello(ctx context.Context) (bool, error) {
	result, err := c.call(ctx, serviceSync, "Hello", nil)
	if err != nil {
		var fault *Fault
		if errors.As(err, &fault) {
			// An application fault means the channel works but the
			// credentials do not authenticate yet
			return false, nil
		}
		return false, err
	}

	if v, ok := result["Value"].(bool); ok {
		return v, nil
	}
	return true, nil
}
