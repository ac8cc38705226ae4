package auth

import (
	"net/http"

	"github.com/iurnickita/ticketpay/internal/token"
)

type Auth interface {
	// CallbackURL дописывает подписанный токен к адресу webhook.
	CallbackURL(baseURL string, externalRef string) (string, error)
	Middleware(h http.HandlerFunc) http.HandlerFunc
}

const (
	HeaderExternalRefKey = "X-Ticketpay-External-Ref"
	queryCallbackToken   = "token"
	pathAggregator       = "aggregator"
)

type auth struct {
	signer   *token.Signer
	unsigned map[string]bool
}

// NewAuth guards webhooks with callback tokens. Aggregators named in unsigned
// call back to a fixed URL, so their webhooks may come without a token.
func NewAuth(signer *token.Signer, unsigned ...string) Auth {
	a := &auth{signer: signer, unsigned: make(map[string]bool, len(unsigned))}
	for _, name := range unsigned {
		a.unsigned[name] = true
	}
	return a
}

func (a *auth) CallbackURL(baseURL string, externalRef string) (string, error) {
	if !a.signer.Enabled() {
		return baseURL, nil
	}
	tok, err := a.signer.BuildCallbackToken(externalRef)
	if err != nil {
		return "", err
	}
	return baseURL + "?" + queryCallbackToken + "=" + tok, nil
}

func (a *auth) Middleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// заголовок выставляем только сами
		r.Header.Del(HeaderExternalRefKey)

		// без токена пропускаем только агрегаторы с постоянным адресом webhook
		tok := r.URL.Query().Get(queryCallbackToken)
		if a.signer.Enabled() && (tok != "" || !a.unsigned[r.PathValue(pathAggregator)]) {
			externalRef, err := a.signer.GetExternalRef(tok)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			r.Header.Set(HeaderExternalRefKey, externalRef)
		}

		// передаём управление хендлеру
		h.ServeHTTP(w, r)
	}
}
