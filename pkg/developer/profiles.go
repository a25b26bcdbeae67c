package developer

import (
	"context"
	"net/http"
)

// Profile is a team provisioning profile as issued by the portal.
type Profile struct {
	ProfileID string `plist:"provisioningProfileId"`
	Name      string `plist:"name"`
	UUID      string `plist:"UUID"`
	// Encoded is the signed .mobileprovision container.
	Encoded []byte `plist:"encodedProfile"`
}

// DownloadProfile returns the team provisioning profile for an app
// identifier. The portal creates or refreshes it as needed.
func (c *Client) DownloadProfile(ctx context.Context, teamID, appIDID string) (*Profile, error) {
	var resp struct {
		Profile Profile `plist:"provisioningProfile"`
	}
	body := map[string]interface{}{
		"teamId":  teamID,
		"appIdId": appIDID,
	}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("downloadTeamProvisioningProfile"), body, &resp); err != nil {
		return nil, err
	}
	return &resp.Profile, nil
}
