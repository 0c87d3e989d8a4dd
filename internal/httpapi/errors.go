package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

const (
	codeInvalidRequest      = "invalid_request"
	codeUnauthorized        = "unauthorized"
	codeForbidden           = "forbidden"
	codeNoActiveWallet      = "no_active_wallet"
	codeInsufficientBalance = "insufficient_balance"
	codeContentRejected     = "content_rejected"
	codeWalletNotFound      = "wallet_not_found"
	codeListingNotFound     = "listing_not_found"
	codeWalletInUse         = "wallet_in_use"
	codeAlreadyCharged      = "already_charged"
	codeListingInactive     = "listing_inactive"
	codeInternal            = "internal_error"
)

var invalidInputErrors = []error{
	billing.ErrInvalidUserID,
	billing.ErrInvalidWalletID,
	billing.ErrInvalidListingID,
	billing.ErrInvalidEntryID,
	billing.ErrInvalidAmount,
	billing.ErrInvalidChargeDate,
	billing.ErrInvalidEntryKind,
	billing.ErrInvalidMetadataJSON,
	billing.ErrInvalidWallet,
	billing.ErrInvalidListing,
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// respondInvalid reports a malformed payload, naming failed binding fields.
func respondInvalid(ctx *gin.Context, err error) {
	detail := err.Error()
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			fields = append(fields, fieldError.Field()+" ("+fieldError.Tag()+")")
		}
		detail = strings.Join(fields, ", ")
	}
	printer := printerFor(ctx)
	ctx.AbortWithStatusJSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, printer.Sprintf(msgInvalidRequest, detail)))
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	printer := printerFor(ctx)
	var insufficient *billing.InsufficientBalanceError
	var rejected *billing.ContentRejectedError
	switch {
	case errors.As(err, &insufficient):
		body := errorResponse(codeInsufficientBalance, printer.Sprintf(msgInsufficientBalance, insufficient.Required.String(), insufficient.Available.StringFixed(2)))
		body["error"].(gin.H)["required"] = insufficient.Required.String()
		body["error"].(gin.H)["available"] = insufficient.Available.StringFixed(2)
		ctx.AbortWithStatusJSON(http.StatusPaymentRequired, body)
	case errors.Is(err, billing.ErrNoActiveWallet):
		ctx.AbortWithStatusJSON(http.StatusPaymentRequired, errorResponse(codeNoActiveWallet, printer.Sprintf(msgNoActiveWallet)))
	case errors.As(err, &rejected):
		body := errorResponse(codeContentRejected, printer.Sprintf(msgContentRejected, rejected.Confidence*100))
		body["error"].(gin.H)["image"] = rejected.Image
		body["error"].(gin.H)["reason"] = rejected.Reason
		ctx.AbortWithStatusJSON(http.StatusUnprocessableEntity, body)
	case errors.Is(err, billing.ErrNotListingOwner):
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse(codeForbidden, printer.Sprintf(msgForbidden)))
	case errors.Is(err, billing.ErrUnknownWallet):
		ctx.AbortWithStatusJSON(http.StatusNotFound, errorResponse(codeWalletNotFound, printer.Sprintf(msgWalletNotFound)))
	case errors.Is(err, billing.ErrUnknownListing):
		ctx.AbortWithStatusJSON(http.StatusNotFound, errorResponse(codeListingNotFound, printer.Sprintf(msgListingNotFound)))
	case errors.Is(err, billing.ErrWalletInUse):
		ctx.AbortWithStatusJSON(http.StatusConflict, errorResponse(codeWalletInUse, printer.Sprintf(msgWalletInUse)))
	case errors.Is(err, billing.ErrAlreadyCharged):
		ctx.AbortWithStatusJSON(http.StatusConflict, errorResponse(codeAlreadyCharged, printer.Sprintf(msgAlreadyCharged)))
	case errors.Is(err, billing.ErrListingInactive):
		ctx.AbortWithStatusJSON(http.StatusConflict, errorResponse(codeListingInactive, printer.Sprintf(msgListingInactive)))
	case isInvalidInput(err):
		ctx.AbortWithStatusJSON(http.StatusBadRequest, errorResponse(codeInvalidRequest, printer.Sprintf(msgInvalidRequest, err.Error())))
	default:
		handler.logger.Error("billing request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse(codeInternal, printer.Sprintf(msgInternal)))
	}
}

func isInvalidInput(err error) bool {
	for _, candidate := range invalidInputErrors {
		if errors.Is(err, candidate) {
			return true
		}
	}
	return false
}
