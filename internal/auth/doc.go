// Package auth provides API key middleware for the secwatch HTTP surface.
//
// APIKey(mode, header, key) wraps an http.Handler and checks the named
// request header against key. When mode != "apikey" or key == "" every
// request passes through, which is how local development runs. A missing
// or wrong key gets 401 with a JSON error body.
package auth
