package developer

import (
	"context"
	"net/http"
)

// AppGroup is a registered application group.
type AppGroup struct {
	// ApplicationGroup is the portal's id for the group.
	ApplicationGroup string `plist:"applicationGroup"`
	Name             string `plist:"name"`
	Status           string `plist:"status"`
	Prefix           string `plist:"prefix"`
	// Identifier is the group.* string used in entitlements.
	Identifier string `plist:"identifier"`
}

// ListAppGroups returns the application groups registered to teamID.
func (c *Client) ListAppGroups(ctx context.Context, teamID string) ([]AppGroup, error) {
	var resp struct {
		Groups []AppGroup `plist:"applicationGroupList"`
	}
	body := map[string]interface{}{"teamId": teamID}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("listApplicationGroups"), body, &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// AddAppGroup registers the group identifier under name.
func (c *Client) AddAppGroup(ctx context.Context, teamID, name, identifier string) (*AppGroup, error) {
	var resp struct {
		Group AppGroup `plist:"applicationGroup"`
	}
	body := map[string]interface{}{
		"teamId":     teamID,
		"name":       sanitizeName(name),
		"identifier": identifier,
	}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("addApplicationGroup"), body, &resp); err != nil {
		return nil, err
	}
	return &resp.Group, nil
}

// EnsureAppGroup returns the group with identifier, creating it when absent.
func (c *Client) EnsureAppGroup(ctx context.Context, teamID, name, identifier string) (*AppGroup, error) {
	groups, err := c.ListAppGroups(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].Identifier == identifier {
			return &groups[i], nil
		}
	}
	return c.AddAppGroup(ctx, teamID, name, identifier)
}

// AssignAppGroups replaces the set of groups attached to an app identifier
// with groupIDs in one call.
func (c *Client) AssignAppGroups(ctx context.Context, teamID, appIDID string, groupIDs []string) error {
	body := map[string]interface{}{
		"teamId":            teamID,
		"appIdId":           appIDID,
		"applicationGroups": groupIDs,
	}
	return c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("assignApplicationGroupToAppId"), body, nil)
}
