package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/fanlive/internal/middleware"
	"github.com/hitoshi/fanlive/internal/model"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeAndValidate はリクエストボディのJSONをdstにデコードし、validateタグで検証する。
// 失敗時はクライアント向けの APIError を返す。
func decodeAndValidate(r *http.Request, dst any) *model.APIError {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return model.NewInvalidRequestError("リクエストボディの解析に失敗しました")
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s は %s", fe.Field(), msgForTag(fe)))
			}
			return model.NewInvalidRequestError(strings.Join(msgs, "; "))
		}
		return model.NewInvalidRequestError(err.Error())
	}
	return nil
}

func msgForTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "必須です"
	case "max":
		return fmt.Sprintf("%s文字以内で指定してください", fe.Param())
	case "jwt":
		return "JWT形式で指定してください"
	default:
		return fmt.Sprintf("'%s' の検証に失敗しました", fe.Tag())
	}
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// handleAuthError は認証系のエラーを401に、それ以外を500に変換する。
func handleAuthError(w http.ResponseWriter, err error) {
	if apiErr := model.NewAuthError(err); apiErr != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
		return
	}

	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
