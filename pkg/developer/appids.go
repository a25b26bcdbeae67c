package developer

import (
	"context"
	"net/http"
)

// AppID is an explicit or wildcard app identifier registered to a team.
type AppID struct {
	AppIDID         string                 `plist:"appIdId"`
	Name            string                 `plist:"name"`
	Prefix          string                 `plist:"prefix"`
	Identifier      string                 `plist:"identifier"`
	IsWildCard      bool                   `plist:"isWildCard"`
	Features        map[string]interface{} `plist:"features"`
	EnabledFeatures []string               `plist:"enabledFeatures"`
}

// ListAppIDs returns the app identifiers registered to teamID.
func (c *Client) ListAppIDs(ctx context.Context, teamID string) ([]AppID, error) {
	var resp struct {
		AppIDs []AppID `plist:"appIds"`
	}
	body := map[string]interface{}{"teamId": teamID}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("listAppIds"), body, &resp); err != nil {
		return nil, err
	}
	return resp.AppIDs, nil
}

// AddAppID registers identifier. Characters the portal rejects are removed
// from name.
func (c *Client) AddAppID(ctx context.Context, teamID, name, identifier string) (*AppID, error) {
	var resp struct {
		AppID AppID `plist:"appId"`
	}
	body := map[string]interface{}{
		"teamId":     teamID,
		"name":       sanitizeName(name),
		"identifier": identifier,
	}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("addAppId"), body, &resp); err != nil {
		return nil, err
	}
	return &resp.AppID, nil
}

// UpdateAppID sets feature flags on an app identifier.
func (c *Client) UpdateAppID(ctx context.Context, teamID, appIDID string, features map[string]interface{}) (*AppID, error) {
	var resp struct {
		AppID AppID `plist:"appId"`
	}
	body := map[string]interface{}{
		"teamId":  teamID,
		"appIdId": appIDID,
	}
	for k, v := range features {
		body[k] = v
	}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("updateAppId"), body, &resp); err != nil {
		return nil, err
	}
	return &resp.AppID, nil
}

// DeleteAppID removes an app identifier.
func (c *Client) DeleteAppID(ctx context.Context, teamID, appIDID string) error {
	body := map[string]interface{}{
		"teamId":  teamID,
		"appIdId": appIDID,
	}
	return c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("deleteAppId"), body, nil)
}

// EnsureAppID returns the app identifier matching identifier, creating it
// when absent.
func (c *Client) EnsureAppID(ctx context.Context, teamID, name, identifier string) (*AppID, error) {
	ids, err := c.ListAppIDs(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for i := range ids {
		if ids[i].Identifier == identifier {
			return &ids[i], nil
		}
	}
	c.log.Info().Str("team", teamID).Str("identifier", identifier).Msg("creating app id")
	return c.AddAppID(ctx, teamID, name, identifier)
}
