package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

type httpHandler struct {
	logger      *zap.Logger
	service     BillingService
	cfg         Config
	now         func() time.Time
	dailyCharge billing.Amount
}

type registerWalletRequest struct {
	CardNumber  string `json:"card_number" binding:"required"`
	HolderName  string `json:"holder_name" binding:"required"`
	ExpiryMonth int    `json:"expiry_month" binding:"required,min=1,max=12"`
	ExpiryYear  int    `json:"expiry_year" binding:"required,min=2000"`
}

type chargeRequest struct {
	Amount      string `json:"amount" binding:"required"`
	ListingID   string `json:"listing_id"`
	Description string `json:"description" binding:"max=255"`
}

type toggleWalletRequest struct {
	Active *bool `json:"active" binding:"required"`
}

type runDailyChargeRequest struct {
	Amount string `json:"amount"`
	Date   string `json:"date"`
	DryRun bool   `json:"dry_run"`
}

type refundRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	WalletID    string `json:"wallet_id" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	ListingID   string `json:"listing_id"`
	Description string `json:"description"`
}

func (handler *httpHandler) requireAdmin(ctx *gin.Context) {
	provided := ctx.GetHeader(adminTokenHeader)
	if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(handler.cfg.AdminToken)) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, printerFor(ctx).Sprintf(msgAdminOnly)))
		return
	}
	ctx.Next()
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// currentUser resolves the session user or writes a 401.
func (handler *httpHandler) currentUser(ctx *gin.Context) (billing.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, printerFor(ctx).Sprintf(msgUnauthorized)))
		return billing.UserID{}, false
	}
	userID, err := billing.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, printerFor(ctx).Sprintf(msgUnauthorized)))
		return billing.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) handleListWallets(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallets, err := handler.service.ListWallets(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]walletPayload, 0, len(wallets))
	for _, wallet := range wallets {
		payload = append(payload, newWalletPayload(wallet))
	}
	ctx.JSON(http.StatusOK, gin.H{"wallets": payload})
}

func (handler *httpHandler) handleRegisterWallet(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	var request registerWalletRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalid(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.service.RegisterWallet(requestCtx, billing.WalletRegistration{
		UserID:      userID,
		CardNumber:  request.CardNumber,
		HolderName:  request.HolderName,
		ExpiryMonth: request.ExpiryMonth,
		ExpiryYear:  request.ExpiryYear,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleGetWallet(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	walletID, err := parseWalletID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	wallet, err := handler.service.GetWallet(requestCtx, userID, walletID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": newWalletPayload(wallet)})
}

func (handler *httpHandler) handleToggleWallet(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	walletID, err := parseWalletID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request toggleWalletRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalid(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	toggle, err := handler.service.SetWalletActive(requestCtx, userID, walletID, *request.Active)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"wallet":               newWalletPayload(toggle.Wallet),
		"deactivated_listings": toggle.DeactivatedListings,
	})
}

func (handler *httpHandler) handleDeleteWallet(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	walletID, err := parseWalletID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.DeleteWallet(requestCtx, userID, walletID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.Status(http.StatusNoContent)
}

func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		respondInvalid(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entries, err := handler.service.ListEntries(requestCtx, userID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

// handleCharge debits one of the user's active wallets and reports what is left on it.
func (handler *httpHandler) handleCharge(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	var request chargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalid(ctx, err)
		return
	}
	amount, err := billing.ParseAmount(request.Amount)
	if err != nil {
		respondInvalid(ctx, err)
		return
	}
	charge := billing.ChargeRequest{
		UserID:      userID,
		Amount:      amount,
		Kind:        billing.EntryListingCharge,
		Description: strings.TrimSpace(request.Description),
	}
	if strings.TrimSpace(request.ListingID) != "" {
		listingID, err := parseListingID(request.ListingID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		charge.ListingID = &listingID
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entry, err := handler.service.Charge(requestCtx, charge)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	response := gin.H{"entry": newEntryPayload(entry)}
	if entry.WalletID != nil {
		wallet, err := handler.service.GetWallet(requestCtx, userID, *entry.WalletID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		response["remaining_balance"] = wallet.Balance.StringFixed(2)
	}
	ctx.JSON(http.StatusCreated, response)
}

func (handler *httpHandler) handleCreateListing(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	title, images, err := readListingForm(ctx)
	if err != nil {
		respondInvalid(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.CreateListing(requestCtx, billing.ListingDraft{HostID: userID, Title: title, Images: images})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, newListingChargePayload(result))
}

func (handler *httpHandler) handleActivateListing(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	listingID, err := parseListingID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	_, images, err := readListingForm(ctx)
	if err != nil {
		respondInvalid(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.ActivateListing(requestCtx, userID, listingID, images)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newListingChargePayload(result))
}

func (handler *httpHandler) handleDeactivateListing(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	listingID, err := parseListingID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	listing, err := handler.service.DeactivateListing(requestCtx, userID, listingID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"listing": newListingPayload(listing)})
}

func (handler *httpHandler) handleListDailyCharges(ctx *gin.Context) {
	userID, ok := handler.currentUser(ctx)
	if !ok {
		return
	}
	listingID, err := parseListingID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	limit, err := parseLimit(ctx.Query("limit"))
	if err != nil {
		respondInvalid(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	records, err := handler.service.ListDailyCharges(requestCtx, userID, listingID, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]dailyChargePayload, 0, len(records))
	for _, record := range records {
		payload = append(payload, newDailyChargePayload(record))
	}
	ctx.JSON(http.StatusOK, gin.H{"daily_charges": payload})
}

// handleRunDailyCharge runs the batch synchronously without the request timeout.
func (handler *httpHandler) handleRunDailyCharge(ctx *gin.Context) {
	var request runDailyChargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		respondInvalid(ctx, err)
		return
	}
	amount := handler.dailyCharge
	if strings.TrimSpace(request.Amount) != "" {
		parsed, err := billing.ParseAmount(request.Amount)
		if err != nil {
			respondInvalid(ctx, err)
			return
		}
		amount = parsed
	}
	date := billing.NewChargeDate(handler.now())
	if strings.TrimSpace(request.Date) != "" {
		var err error
		date, err = billing.ParseChargeDate(request.Date)
		if err != nil {
			respondInvalid(ctx, err)
			return
		}
	}
	summary, err := handler.service.RunDailyCharge(ctx.Request.Context(), amount, date, request.DryRun)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"summary": newSummaryPayload(summary)})
}

func (handler *httpHandler) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		respondInvalid(ctx, err)
		return
	}
	refund, err := buildRefundRequest(request)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	entry, err := handler.service.Refund(requestCtx, refund)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"entry": newEntryPayload(entry)})
}

func buildRefundRequest(request refundRequest) (billing.RefundRequest, error) {
	userID, err := billing.NewUserID(request.UserID)
	if err != nil {
		return billing.RefundRequest{}, err
	}
	walletID, err := parseWalletID(request.WalletID)
	if err != nil {
		return billing.RefundRequest{}, err
	}
	amount, err := billing.ParseAmount(request.Amount)
	if err != nil {
		return billing.RefundRequest{}, err
	}
	refund := billing.RefundRequest{UserID: userID, WalletID: walletID, Amount: amount, Description: request.Description}
	if strings.TrimSpace(request.ListingID) != "" {
		listingID, err := parseListingID(request.ListingID)
		if err != nil {
			return billing.RefundRequest{}, err
		}
		refund.ListingID = &listingID
	}
	return refund, nil
}

// parseWalletID rejects ids no store could have issued as unknown wallets.
func parseWalletID(raw string) (billing.WalletID, error) {
	walletID, err := billing.NewWalletID(raw)
	if err != nil {
		return billing.WalletID{}, err
	}
	if _, err := uuid.Parse(walletID.String()); err != nil {
		return billing.WalletID{}, fmt.Errorf("%w: %s", billing.ErrUnknownWallet, walletID.String())
	}
	return walletID, nil
}

func parseListingID(raw string) (billing.ListingID, error) {
	listingID, err := billing.NewListingID(raw)
	if err != nil {
		return billing.ListingID{}, err
	}
	if _, err := uuid.Parse(listingID.String()); err != nil {
		return billing.ListingID{}, fmt.Errorf("%w: %s", billing.ErrUnknownListing, listingID.String())
	}
	return listingID, nil
}

type listingJSONRequest struct {
	Title string `json:"title"`
}

// readListingForm accepts multipart uploads under "images" and a "title" field.
// JSON bodies carry only the title.
func readListingForm(ctx *gin.Context) (string, []billing.Image, error) {
	if !strings.HasPrefix(ctx.ContentType(), "multipart/") {
		var request listingJSONRequest
		if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
			return "", nil, err
		}
		return strings.TrimSpace(request.Title), nil, nil
	}
	form, err := ctx.MultipartForm()
	if err != nil {
		return "", nil, fmt.Errorf("multipart form: %w", err)
	}
	title := strings.TrimSpace(ctx.PostForm("title"))
	headers := form.File["images"]
	images := make([]billing.Image, 0, len(headers))
	for _, header := range headers {
		image, err := readImage(header)
		if err != nil {
			return "", nil, err
		}
		images = append(images, image)
	}
	return title, images, nil
}

func readImage(header *multipart.FileHeader) (billing.Image, error) {
	if header.Size > maxUploadBytes {
		return billing.Image{}, fmt.Errorf("image %s exceeds %d bytes", header.Filename, maxUploadBytes)
	}
	file, err := header.Open()
	if err != nil {
		return billing.Image{}, fmt.Errorf("open image %s: %w", header.Filename, err)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return billing.Image{}, fmt.Errorf("read image %s: %w", header.Filename, err)
	}
	return billing.Image{Name: header.Filename, ContentType: header.Header.Get("Content-Type"), Data: data}, nil
}

func parseLimit(raw string) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}
