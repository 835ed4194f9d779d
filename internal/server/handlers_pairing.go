package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/torbobase/torbo/internal/metrics"
	"github.com/torbobase/torbo/internal/ratelimit"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handlePairInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pairingActive": s.manager.PairingActive(),
		"port":          s.cfg.Server.Port,
	})
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code       string `json:"code"`
		DeviceName string `json:"deviceName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device, err := s.manager.Pair(body.Code, body.DeviceName)
	if err != nil {
		metrics.PairingEvents.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	metrics.PairingEvents.WithLabelValues("paired").Inc()
	s.events.publish(event{Type: "device_paired", Payload: map[string]string{
		"deviceId": device.ID, "name": device.Name,
	}})
	writeJSON(w, http.StatusOK, map[string]string{
		"token":    device.Token,
		"deviceId": device.ID,
	})
}

// handlePairAuto issues a token without a code. Only honored from loopback
// or an operator-designated trusted network, and only when enabled.
func (s *Server) handlePairAuto(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ClientIP(r)
	if !s.cfg.Pairing.AutoPair || !s.trustedNetwork(ip) {
		metrics.PairingEvents.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusForbidden, "auto-pair not allowed from this network")
		return
	}

	var body struct {
		DeviceName string `json:"deviceName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	device, err := s.manager.AutoPair(body.DeviceName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pairing failed")
		return
	}
	metrics.PairingEvents.WithLabelValues("auto_paired").Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"token":    device.Token,
		"deviceId": device.ID,
	})
}

// handlePairAuth exchanges a linked-account token for a device token. The
// account record lives in the keychain; without one this route always 401s.
func (s *Server) handlePairAuth(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AuthToken  string `json:"authToken"`
		DeviceName string `json:"deviceName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	kc, err := s.secrets.Keychain()
	if err != nil || kc.User == nil || kc.User.Token == "" ||
		subtle.ConstantTimeCompare([]byte(kc.User.Token), []byte(body.AuthToken)) != 1 {
		metrics.PairingEvents.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusUnauthorized, "account token invalid")
		return
	}

	device, err := s.manager.PairWithAccount(body.DeviceName, kc.User.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pairing failed")
		return
	}
	metrics.PairingEvents.WithLabelValues("paired").Inc()
	writeJSON(w, http.StatusOK, map[string]string{
		"token":    device.Token,
		"deviceId": device.ID,
	})
}

// handleListDevices lists paired devices with tokens masked.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.manager.Devices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot read device list")
		return
	}

	type deviceView struct {
		ID       string     `json:"id"`
		Name     string     `json:"name"`
		PairedAt time.Time  `json:"pairedAt"`
		LastSeen *time.Time `json:"lastSeen,omitempty"`
	}
	out := make([]deviceView, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceView{ID: d.ID, Name: d.Name, PairedAt: d.PairedAt, LastSeen: d.LastSeen})
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	id := pathTail(r.URL.Path, "/v1/pair/devices/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "device id required")
		return
	}
	if err := s.manager.Revoke(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	metrics.PairingEvents.WithLabelValues("revoked").Inc()
	s.events.publish(event{Type: "device_revoked", Payload: map[string]string{"deviceId": id}})
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
