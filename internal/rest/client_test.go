package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/ndaxstream/errs"
	"github.com/coachpo/ndaxstream/internal/auth"
)

func TestInstrumentsDecodesCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/AP/GetInstruments", r.URL.Path)
		require.Equal(t, "1", r.URL.Query().Get("OMSId"))
		_, _ = w.Write([]byte(`[{"OMSId":1,"InstrumentId":1,"Symbol":"BTCCAD","Product1":1,"Product1Symbol":"BTC",
			"Product2":3,"Product2Symbol":"CAD","InstrumentType":"Standard","SessionStatus":"Running",
			"PriceIncrement":0.01,"QuantityIncrement":0.0001,"MinimumQuantity":0.0001,"IsDisable":false}]`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/AP/", WithHTTPClient(srv.Client()))
	items, err := c.Instruments(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, int64(1), items[0].InstrumentID)
	require.Equal(t, "BTC/CAD", items[0].UnifiedSymbol())
	require.Equal(t, "0.01", items[0].PriceIncrement.String())
}

func TestAccountsSignsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/GetUserAccounts", r.URL.Path)
		require.Equal(t, "42", r.URL.Query().Get("UserId"))
		require.Equal(t, "key", r.Header.Get("APIKey"))
		nonce := r.Header.Get("Nonce")
		require.NotEmpty(t, nonce)
		require.Equal(t, auth.Signature("secret", nonce+"42"+"key"), r.Header.Get("Signature"))
		_, _ = w.Write([]byte(`[7, 9]`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithHTTPClient(srv.Client()),
		WithCredentials(auth.Credentials{APIKey: "key", Secret: "secret", UserID: "42"}))
	ids, err := c.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{7, 9}, ids)
}

func TestAccountsWithoutCredentials(t *testing.T) {
	_, err := New("http://unused").Accounts(context.Background())
	require.True(t, errs.Is(err, errs.CodeAuth), err)
}

func TestErrorResponses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		code   errs.Code
	}{
		{"http status", http.StatusBadGateway, `bad gateway`, errs.CodeNetwork},
		{"not authorized", http.StatusOK, `{"result":false,"errormsg":"Not Authorized","errorcode":20}`, errs.CodeAuth},
		{"business error", http.StatusOK, `{"result":false,"errormsg":"Invalid Request","errorcode":100}`, errs.CodeExchange},
		{"garbage", http.StatusOK, `[{"InstrumentId":"x"`, errs.CodeProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, WithHTTPClient(srv.Client())).Instruments(context.Background())
			require.True(t, errs.Is(err, tc.code), err)
		})
	}
}

func TestStaticCatalogReturnsCopies(t *testing.T) {
	cat := StaticCatalog{Items: []Instrument{{InstrumentID: 1}}, AccountIDs: []int64{5}}
	items, err := cat.Instruments(context.Background())
	require.NoError(t, err)
	items[0].InstrumentID = 99
	require.Equal(t, int64(1), cat.Items[0].InstrumentID)

	ids, err := cat.Accounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{5}, ids)
}

func TestUnifiedSymbolFallsBackToSymbol(t *testing.T) {
	require.Equal(t, "BTCCAD", Instrument{Symbol: "btccad"}.UnifiedSymbol())
}
