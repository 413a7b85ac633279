package auth

import (
	"net/http"

	"github.com/yatagarasu/yatagarasu/internal/perr"
)

// WriteError renders a ProxyError as the minimal {code, message} JSON body
// every layer of the pipeline uses for client-visible failures.
func WriteError(w http.ResponseWriter, err *perr.ProxyError) {
	perr.WriteError(w, err)
}
