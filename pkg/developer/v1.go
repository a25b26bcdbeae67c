package developer

import (
	"context"
	"fmt"
	"net/http"
)

// BundleID is the JSON:API view of an app identifier.
type BundleID struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Attributes BundleIDAttributes `json:"attributes"`
}

type BundleIDAttributes struct {
	Identifier string `json:"identifier"`
	SeedID     string `json:"seedId"`
	Name       string `json:"name"`
	BundleType string `json:"bundleType"`
	Wildcard   bool   `json:"wildcard"`
}

// Capability is a portal capability and the entitlement keys that imply it.
type Capability struct {
	ID         string `json:"id"`
	Attributes struct {
		Entitlements []struct {
			ProfileKey string `json:"profileKey"`
		} `json:"entitlements"`
		SupportsWildcard bool `json:"supportsWildcard"`
	} `json:"attributes"`
}

// EntitlementKeys returns the profile keys declared by the capability.
func (c *Capability) EntitlementKeys() []string {
	keys := make([]string, 0, len(c.Attributes.Entitlements))
	for _, e := range c.Attributes.Entitlements {
		keys = append(keys, e.ProfileKey)
	}
	return keys
}

type v1Query struct {
	TeamID string `json:"teamId"`
	Params string `json:"urlEncodedQueryParams"`
}

// ListBundleIDs returns the team's app identifiers.
func (c *Client) ListBundleIDs(ctx context.Context, teamID string) ([]BundleID, error) {
	var resp struct {
		Data []BundleID `json:"data"`
	}
	q := v1Query{TeamID: teamID, Params: "limit=1000"}
	if err := c.send(ctx, c.v1, http.MethodGet, "/v1/bundleIds", q, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ListCapabilities returns the iOS capability catalog.
func (c *Client) ListCapabilities(ctx context.Context, teamID string) ([]Capability, error) {
	var resp struct {
		Data []Capability `json:"data"`
	}
	q := v1Query{TeamID: teamID, Params: "filter[platform]=IOS"}
	if err := c.send(ctx, c.v1, http.MethodGet, "/v1/capabilities", q, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

type v1Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type bundleIDCapability struct {
	Type       string `json:"type"`
	Attributes struct {
		Enabled  bool          `json:"enabled"`
		Settings []interface{} `json:"settings"`
	} `json:"attributes"`
	Relationships struct {
		Capability struct {
			Data v1Ref `json:"data"`
		} `json:"capability"`
	} `json:"relationships"`
}

type bundleIDPatch struct {
	Data struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		Attributes struct {
			Identifier string `json:"identifier"`
			SeedID     string `json:"seedId"`
			TeamID     string `json:"teamId"`
			Name       string `json:"name"`
			Wildcard   bool   `json:"wildcard"`
		} `json:"attributes"`
		Relationships struct {
			BundleIDCapabilities struct {
				Data []bundleIDCapability `json:"data"`
			} `json:"bundleIdCapabilities"`
		} `json:"relationships"`
	} `json:"data"`
}

// UpdateBundleIDCapabilities enables capabilityIDs on the app identifier
// whose bundle identifier is identifier. Capabilities already enabled are
// left in place.
func (c *Client) UpdateBundleIDCapabilities(ctx context.Context, teamID, identifier string, capabilityIDs []string) (*BundleID, error) {
	ids, err := c.ListBundleIDs(ctx, teamID)
	if err != nil {
		return nil, err
	}
	var target *BundleID
	for i := range ids {
		if ids[i].Attributes.Identifier == identifier {
			target = &ids[i]
			break
		}
	}
	if target == nil {
		return nil, fmt.Errorf("bundle id %s: %w", identifier, ErrNotFound)
	}

	var patch bundleIDPatch
	patch.Data.Type = "bundleIds"
	patch.Data.ID = target.ID
	patch.Data.Attributes.Identifier = target.Attributes.Identifier
	patch.Data.Attributes.SeedID = target.Attributes.SeedID
	patch.Data.Attributes.TeamID = teamID
	patch.Data.Attributes.Name = target.Attributes.Name
	patch.Data.Attributes.Wildcard = target.Attributes.Wildcard
	caps := make([]bundleIDCapability, 0, len(capabilityIDs))
	for _, id := range capabilityIDs {
		var bc bundleIDCapability
		bc.Type = "bundleIdCapabilities"
		bc.Attributes.Enabled = true
		bc.Attributes.Settings = []interface{}{}
		bc.Relationships.Capability.Data = v1Ref{Type: "capabilities", ID: id}
		caps = append(caps, bc)
	}
	patch.Data.Relationships.BundleIDCapabilities.Data = caps

	var resp struct {
		Data BundleID `json:"data"`
	}
	if err := c.send(ctx, c.v1, http.MethodPatch, "/v1/bundleIds/"+target.ID, patch, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}
