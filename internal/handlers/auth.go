package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/diewo77/go-settle/auth"
	"github.com/diewo77/go-settle/httpx"
	"github.com/diewo77/go-settle/internal/models"
	"github.com/diewo77/go-settle/internal/tenant"
	"gorm.io/gorm"
)

// AuthHandler signs client contacts in to the payment portal with the key of
// an invitation they received.
type AuthHandler struct{}

func NewAuthHandler() *AuthHandler {
	return &AuthHandler{}
}

type loginRequest struct {
	InvitationKey string `json:"invitation_key"`
}

type sessionResponse struct {
	ContactID uint   `json:"contact_id"`
	ClientID  uint   `json:"client_id"`
	Token     string `json:"token"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := httpx.Decode(r, &body); err != nil {
		httpx.JSONError(w, http.StatusBadRequest, httpx.ErrBadBody.Error(), nil)
		return
	}
	key := strings.TrimSpace(body.InvitationKey)
	if key == "" {
		httpx.JSONError(w, http.StatusUnprocessableEntity, "validation_failed", map[string]string{"invitation_key": "required"})
		return
	}
	db, err := tenant.DB(r.Context())
	if err != nil {
		httpx.JSONError(w, http.StatusBadRequest, tenant.ErrNotSelected.Error(), nil)
		return
	}

	var inv models.Invitation
	if err := db.Where("key = ?", key).First(&inv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		httpx.JSONError(w, http.StatusInternalServerError, "internal_error", nil)
		return
	}
	var contact models.ClientContact
	if err := db.First(&contact, inv.ClientContactID).Error; err != nil {
		httpx.JSONError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	auth.CreateSession(w, contact.ID)
	httpx.JSON(w, http.StatusOK, sessionResponse{
		ContactID: contact.ID,
		ClientID:  contact.ClientID,
		Token:     auth.Token(contact.ID),
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}
