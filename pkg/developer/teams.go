package developer

import (
	"context"
	"net/http"
)

// Team is a development team the account belongs to.
type Team struct {
	TeamID string `plist:"teamId"`
	Name   string `plist:"name"`
	Type   string `plist:"type"`
	Status string `plist:"status"`
}

// Developer describes the signed-in account as the portal sees it.
type Developer struct {
	DeveloperID     string `plist:"developerId"`
	FirstName       string `plist:"firstName"`
	LastName        string `plist:"lastName"`
	Email           string `plist:"email"`
	DeveloperStatus string `plist:"developerStatus"`
}

func (c *Client) qhPath(action string) string { return "/QH65B2/" + action + ".action" }

func (c *Client) qhIOSPath(action string) string { return "/QH65B2/ios/" + action + ".action" }

// ListTeams returns every team the account can sign for.
func (c *Client) ListTeams(ctx context.Context) ([]Team, error) {
	var resp struct {
		Teams []Team `plist:"teams"`
	}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhPath("listTeams"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Teams, nil
}

// ViewDeveloper returns the account holder's developer record for teamID.
func (c *Client) ViewDeveloper(ctx context.Context, teamID string) (*Developer, error) {
	var resp struct {
		Developer Developer `plist:"developer"`
	}
	body := map[string]interface{}{"teamId": teamID}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhPath("viewDeveloper"), body, &resp); err != nil {
		return nil, err
	}
	return &resp.Developer, nil
}
