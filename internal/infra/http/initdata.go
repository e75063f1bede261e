package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

type ctxKey string

const ctxKeyTGUserID ctxKey = "tg_user_id"

// WebAppAuthMiddleware проверяет initData по токену бота и кладёт
// идентификатор пользователя Telegram в контекст запроса.
func WebAppAuthMiddleware(botToken string) func(http.Handler) http.Handler {
	keyHMAC := hmac.New(sha256.New, []byte("WebAppData"))
	keyHMAC.Write([]byte(botToken))
	secret := keyHMAC.Sum(nil)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			initData := r.Header.Get("X-Telegram-Init-Data")
			if initData == "" {
				initData = r.URL.Query().Get("init_data")
			}
			if initData == "" {
				WriteError(w, http.StatusUnauthorized, fmt.Errorf("init_data отсутствует"))
				return
			}
			tgUserID, ok := validateInitData(initData, secret)
			if !ok {
				WriteError(w, http.StatusUnauthorized, fmt.Errorf("подпись недействительна"))
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyTGUserID, tgUserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TGUserID возвращает идентификатор пользователя из контекста запроса.
func TGUserID(r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(ctxKeyTGUserID).(int64)
	return id, ok
}

func validateInitData(initData string, secret []byte) (int64, bool) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return 0, false
	}
	gotHash := values.Get("hash")
	if gotHash == "" {
		return 0, false
	}
	values.Del("hash")

	pairs := make([]string, 0, len(values))
	for key := range values {
		pairs = append(pairs, key+"="+values.Get(key))
	}
	sort.Strings(pairs)

	h := hmac.New(sha256.New, secret)
	h.Write([]byte(strings.Join(pairs, "\n")))
	expected, err := hex.DecodeString(gotHash)
	if err != nil {
		return 0, false
	}
	if !hmac.Equal(h.Sum(nil), expected) {
		return 0, false
	}

	var user struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID == 0 {
		return 0, false
	}
	return user.ID, true
}

// RequestID возвращает request ID из контекста chi.
func RequestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// ErrorResponse описывает ошибку.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

// WriteError отправляет JSON с ошибкой.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
}

// WriteJSON отправляет произвольный JSON-ответ.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
