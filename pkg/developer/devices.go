package developer

import (
	"context"
	"net/http"
)

// Device is a registered test device.
type Device struct {
	DeviceID       string `plist:"deviceId"`
	Name           string `plist:"name"`
	DeviceNumber   string `plist:"deviceNumber"`
	DevicePlatform string `plist:"devicePlatform"`
	DeviceClass    string `plist:"deviceClass"`
	Status         string `plist:"status"`
}

// ListDevices returns the devices registered to teamID.
func (c *Client) ListDevices(ctx context.Context, teamID string) ([]Device, error) {
	var resp struct {
		Devices []Device `plist:"devices"`
	}
	body := map[string]interface{}{"teamId": teamID}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("listDevices"), body, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// AddDevice registers udid under name.
func (c *Client) AddDevice(ctx context.Context, teamID, name, udid string) (*Device, error) {
	var resp struct {
		Device Device `plist:"device"`
	}
	body := map[string]interface{}{
		"teamId":       teamID,
		"name":         name,
		"deviceNumber": udid,
	}
	if err := c.send(ctx, c.qh, http.MethodPost, c.qhIOSPath("addDevice"), body, &resp); err != nil {
		return nil, err
	}
	return &resp.Device, nil
}

// EnsureDevice returns the device registered for udid, adding it first when
// the team does not know it yet.
func (c *Client) EnsureDevice(ctx context.Context, teamID, name, udid string) (*Device, error) {
	devices, err := c.ListDevices(ctx, teamID)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].DeviceNumber == udid {
			return &devices[i], nil
		}
	}
	c.log.Info().Str("team", teamID).Str("udid", udid).Msg("registering device")
	return c.AddDevice(ctx, teamID, name, udid)
}
