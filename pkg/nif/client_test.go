package nif

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luftsport/nif-integration/pkg/types"
)

func osloTZ(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Oslo")
	require.NoError(t, err)
	return loc
}

func soapResponse(action, inner string) string {
	return fmt.Sprintf(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>
		<%sResponse xmlns="http://www.nif.no/services"><%sResult>%s</%sResult></%sResponse>
	</s:Body></s:Envelope>`, action, action, inner, action, action)
}

func TestCallSendsCredentialsAndAction(t *testing.T) {
	var body string
	var soapAction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		soapAction = r.Header.Get("SOAPAction")
		w.Write([]byte(soapResponse("Hello", "true")))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, "APP/1/user", "s3cret", "PROD", osloTZ(t), srv.Client())
	ok, err := c.Hello(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, "http://www.nif.no/services/Hello", soapAction)
	assert.Contains(t, body, "<UserName>APP/1/user</UserName>")
	assert.Contains(t, body, "<Password>s3cret</Password>")
	assert.Contains(t, body, "<Realm>PROD</Realm>")
}

func TestGetChangesParsesItems(t *testing.T) {
	inner := `<Success>true</Success><Changes>
		<ChangeInfo>
			<EntityType>Person</EntityType>
			<Id>101</Id>
			<SequenceOrdinal>2024-06-01T12:00:00.5</SequenceOrdinal>
			<Name>Change</Name>
			<MergeResultOf><int>7</int><int>8</int></MergeResultOf>
		</ChangeInfo>
		<ChangeInfo>
			<EntityType>Organization</EntityType>
			<Id>376</Id>
			<SequenceOrdinal>2024-06-01T12:05:00</SequenceOrdinal>
		</ChangeInfo>
	</Changes>`

	var requestedAction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if strings.Contains(string(data), "GetChanges3") {
			requestedAction = "GetChanges3"
		}
		w.Write([]byte(soapResponse("GetChanges3", inner)))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, "u", "p", "PROD", osloTZ(t), srv.Client())
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	items, err := c.GetChanges(context.Background(), types.SyncChanges, from, to)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "GetChanges3", requestedAction)

	assert.Equal(t, types.EntityPerson, items[0].EntityType)
	assert.Equal(t, 101, items[0].EntityID)
	assert.Equal(t, []int{7, 8}, items[0].MergedFrom)
	// Naive ordinal interpreted in Oslo time (CEST, UTC+2)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 500000000, time.UTC), items[0].SequenceOrdinal)

	assert.Equal(t, types.EntityOrganization, items[1].EntityType)
	assert.Empty(t, items[1].MergedFrom)
}

func TestGetChangesEmptyWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(soapResponse("GetChanges3", "<Success>true</Success><Changes/>")))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, "u", "p", "PROD", osloTZ(t), srv.Client())
	items, err := c.GetChanges(context.Background(), types.SyncChanges, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestApplicationFaultIsTyped(t *testing.T) {
	inner := `<Success>false</Success><ErrorCode>42</ErrorCode><ErrorMessage>no such org</ErrorMessage>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(soapResponse("OrgGet", inner)))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, "u", "p", "PROD", osloTZ(t), srv.Client())
	_, err := c.GetEntity(context.Background(), types.EntityOrganization, 999, 376)

	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, 42, fault.Code)
	assert.Equal(t, "no such org", fault.Message)
}

func TestSoapFaultIsTyped(t *testing.T) {
	body := `<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>
		<s:Fault><faultcode>500</faultcode><faultstring>internal error</faultstring></s:Fault>
	</s:Body></s:Envelope>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, "u", "p", "PROD", osloTZ(t), srv.Client())
	_, err := c.GetChanges(context.Background(), types.SyncChanges, time.Now().Add(-time.Hour), time.Now())

	var fault *Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "internal error", fault.Message)
}

func TestAuthFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, "u", "bad", "PROD", osloTZ(t), srv.Client())
	_, err := c.GetChanges(context.Background(), types.SyncChanges, time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHelloFaultMeansNotAuthenticated(t *testing.T) {
	inner := `<Success>false</Success><ErrorCode>1</ErrorCode><ErrorMessage>unknown user</ErrorMessage>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(soapResponse("Hello", inner)))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, "u", "p", "PROD", osloTZ(t), srv.Client())
	ok, err := c.Hello(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetEntityNormalisesKeys(t *testing.T) {
	inner := `<Success>true</Success><Entity>
		<Id>376</Id>
		<OrgTypeId>5</OrgTypeId>
		<Contact><StreetAddress>Møllergata 39</StreetAddress></Contact>
	</Entity>`
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.Write([]byte(soapResponse("OrgGet", inner)))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, "u", "p", "PROD", osloTZ(t), srv.Client())
	entity, err := c.GetEntity(context.Background(), types.EntityOrganization, 376, 376)
	require.NoError(t, err)

	assert.Contains(t, body, "<OrgStructure>376</OrgStructure>")
	assert.Equal(t, 376, entity["id"])
	assert.Equal(t, 5, entity["org_type_id"])
	contact := entity["contact"].(map[string]interface{})
	assert.Equal(t, "Møllergata 39", contact["street_address"])
}

func TestCreateIntegrationUserParsesFunctions(t *testing.T) {
	inner := `<Success>true</Success><User>
		<Id>555</Id>
		<LastChangedDate>2024-06-01T10:00:00Z</LastChangedDate>
		<ActiveFunctions><Function>
			<Id>9001</Id><FunctionTypeId>33</FunctionTypeId><ActiveInOrgId>123</ActiveInOrgId>
		</Function></ActiveFunctions>
	</User>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(soapResponse("CreateIntegrationUser", inner)))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, "u", "p", "PROD", osloTZ(t), srv.Client())
	created, err := c.CreateIntegrationUser(context.Background(), CreateUserRequest{
		FirstName: "NLF-123", LastName: "NIF.Connect", OrgID: 123, UserName: "IGNLF-123", Password: "pw",
	})
	require.NoError(t, err)

	assert.Equal(t, 555, created.ID)
	require.Len(t, created.Functions, 1)
	assert.Equal(t, 9001, created.Functions[0].ID)
	assert.Equal(t, 33, created.Functions[0].FunctionTypeID)
	assert.Equal(t, 123, created.Functions[0].ActiveInOrgID)
}
