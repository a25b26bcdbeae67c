// Package developer is a client for Apple's developer services portal.
//
// Two protocol families share one Client. The older plist family under
// /QH65B2 covers teams, devices, app ids, app groups, certificates and
// profiles. The JSON:API family under /v1 covers bundle ids and the
// capability catalog. Both report failures as *PortalError.
package developer
