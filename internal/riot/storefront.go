package riot

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// ErrNoShard means the geo service returned no live affinity.
var ErrNoShard = errors.New("no live shard for account")

// APIError is a non-success answer from one storefront step.
type APIError struct {
	Step   string
	Status int
}

func (e *APIError) Error() string { return fmt.Sprintf("%s: unexpected status %d", e.Step, e.Status) }

// Offer is one item in the daily rotation.
type Offer struct {
	ItemID string `json:"item_id"`
	Cost   int64  `json:"cost"`
}

// Storefront is the daily shop of one account.
type Storefront struct {
	PUUID            string  `json:"puuid"`
	Shard            string  `json:"shard"`
	Offers           []Offer `json:"offers"`
	RemainingSeconds int64   `json:"remaining_seconds"`
}

// clientPlatform is the base64 JSON platform descriptor the game API expects.
var clientPlatform = base64.StdEncoding.EncodeToString([]byte(
	`{"platformType":"PC","platformOS":"Windows","platformOSVersion":"10.0.19042.1.256.64bit","platformChipset":"Unknown"}`))

// Storefront fetches the daily offers for the account behind sess: an
// entitlements token, the player id (JWT subject or /userinfo), the shard
// from the geo service, the client version, then storefront v3 with a v2
// fallback when v3 answers 404 or 405.
func (c *Client) Storefront(ctx context.Context, sess Session) (Storefront, error) {
	if sess.Token == nil || sess.Token.AccessToken == "" {
		return Storefront{}, errors.New("session has no access token")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	api := oauth2.NewClient(ctx, oauth2.StaticTokenSource(sess.Token))
	api.Timeout = c.timeout

	var ent struct {
		Token string `json:"entitlements_token"`
	}
	if err := c.call(ctx, api, "entitlements", http.MethodPost, c.ep.Entitlements+"/api/token/v1", struct{}{}, nil, &ent); err != nil {
		return Storefront{}, err
	}

	puuid := sess.Subject
	if puuid == "" {
		var info struct {
			Sub string `json:"sub"`
		}
		if err := c.call(ctx, api, "userinfo", http.MethodGet, c.ep.Auth+"/userinfo", nil, nil, &info); err != nil {
			return Storefront{}, err
		}
		puuid = info.Sub
	}
	if puuid == "" {
		return Storefront{}, errors.New("userinfo: empty subject")
	}

	var geo struct {
		Affinities struct {
			Live string `json:"live"`
		} `json:"affinities"`
	}
	if err := c.call(ctx, api, "geo", http.MethodPut, c.ep.Geo+"/pas/v1/product/valorant",
		map[string]string{"id_token": sess.IDToken}, nil, &geo); err != nil {
		return Storefront{}, err
	}
	shard := geo.Affinities.Live
	if shard == "" {
		return Storefront{}, ErrNoShard
	}

	var ver struct {
		Data struct {
			RiotClientVersion string `json:"riotClientVersion"`
		} `json:"data"`
	}
	if err := c.call(ctx, c.http, "version", http.MethodGet, c.ep.Version+"/v1/version", nil, nil, &ver); err != nil {
		return Storefront{}, err
	}

	hdr := http.Header{}
	hdr.Set("X-Riot-Entitlements-JWT", ent.Token)
	hdr.Set("X-Riot-ClientVersion", ver.Data.RiotClientVersion)
	hdr.Set("X-Riot-ClientPlatform", clientPlatform)

	var raw storefrontResponse
	base := c.ep.pd(shard)
	err := c.call(ctx, api, "storefront v3", http.MethodPost, base+"/store/v3/storefront/"+puuid, struct{}{}, hdr, &raw)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusMethodNotAllowed) {
		err = c.call(ctx, api, "storefront v2", http.MethodGet, base+"/store/v2/storefront/"+puuid, nil, hdr, &raw)
	}
	if err != nil {
		return Storefront{}, err
	}
	return raw.toStorefront(puuid, shard), nil
}

type storefrontResponse struct {
	SkinsPanelLayout struct {
		SingleItemStoreOffers []struct {
			Cost    map[string]int64 `json:"Cost"`
			Rewards []struct {
				ItemID string `json:"ItemID"`
			} `json:"Rewards"`
		} `json:"SingleItemStoreOffers"`
		Remaining int64 `json:"SingleItemOffersRemainingDurationInSeconds"`
	} `json:"SkinsPanelLayout"`
}

func (r storefrontResponse) toStorefront(puuid, shard string) Storefront {
	out := Storefront{PUUID: puuid, Shard: shard, RemainingSeconds: r.SkinsPanelLayout.Remaining}
	for _, o := range r.SkinsPanelLayout.SingleItemStoreOffers {
		if len(o.Rewards) == 0 {
			continue
		}
		var cost int64
		// a single currency per offer
		for _, v := range o.Cost {
			cost = v
			break
		}
		out.Offers = append(out.Offers, Offer{ItemID: strings.ToLower(o.Rewards[0].ItemID), Cost: cost})
	}
	return out
}

// call performs one JSON request. A nil in body sends no payload.
func (c *Client) call(ctx context.Context, hc *http.Client, stepName, method, url string, in any, hdr http.Header, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	for k, vs := range hdr {
		req.Header[k] = vs
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", stepName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return &APIError{Step: stepName, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", stepName, err)
	}
	return nil
}
