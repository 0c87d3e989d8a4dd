package httpapi

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	msgInvalidRequest      = "The request is invalid: %s."
	msgUnauthorized        = "Authentication is required."
	msgForbidden           = "You do not own this listing."
	msgAdminOnly           = "Operator token is missing or invalid."
	msgNoActiveWallet      = "Please add a payment card before creating a listing."
	msgInsufficientBalance = "Insufficient balance. You need %s. Current balance: %s"
	msgContentRejected     = "Image contains inappropriate content (confidence: %.0f%%). Please upload appropriate property images."
	msgWalletNotFound      = "Wallet not found."
	msgListingNotFound     = "Listing not found."
	msgWalletInUse         = "This is your only active card and it still pays for active listings."
	msgAlreadyCharged      = "The listing was already charged for this date."
	msgListingInactive     = "The listing is not active."
	msgInternal            = "An unknown error occurred. Please try again later!"
)

var supportedLanguages = []language.Tag{language.English, language.Russian, language.Uzbek}

var languageMatcher = language.NewMatcher(supportedLanguages)

var messageCatalog = buildCatalog()

func buildCatalog() catalog.Catalog {
	translations := map[string]map[language.Tag]string{
		msgInvalidRequest: {
			language.Russian: "Некорректный запрос: %s.",
			language.Uzbek:   "So'rov noto'g'ri: %s.",
		},
		msgUnauthorized: {
			language.Russian: "Требуется авторизация.",
			language.Uzbek:   "Avtorizatsiya talab qilinadi.",
		},
		msgForbidden: {
			language.Russian: "Это объявление вам не принадлежит.",
			language.Uzbek:   "Bu e'lon sizga tegishli emas.",
		},
		msgAdminOnly: {
			language.Russian: "Токен оператора отсутствует или неверен.",
			language.Uzbek:   "Operator tokeni yo'q yoki noto'g'ri.",
		},
		msgNoActiveWallet: {
			language.Russian: "Пожалуйста, добавьте платежную карту перед созданием объявления.",
			language.Uzbek:   "Iltimos, e'lon yaratishdan oldin to'lov kartasini qo'shing.",
		},
		msgInsufficientBalance: {
			language.Russian: "Недостаточно средств. Требуется %s. Текущий баланс: %s",
			language.Uzbek:   "Balansda mablag' yetarli emas. %s kerak. Joriy balans: %s",
		},
		msgContentRejected: {
			language.Russian: "Изображение содержит неприемлемый контент (уверенность: %.0f%%). Пожалуйста, загрузите соответствующие изображения недвижимости.",
			language.Uzbek:   "Rasm nomaqbul kontent o'z ichiga oladi (ishonch: %.0f%%). Iltimos, tegishli uy rasmlarini yuklang.",
		},
		msgWalletNotFound: {
			language.Russian: "Карта не найдена.",
			language.Uzbek:   "Karta topilmadi.",
		},
		msgListingNotFound: {
			language.Russian: "Объявление не найдено.",
			language.Uzbek:   "E'lon topilmadi.",
		},
		msgWalletInUse: {
			language.Russian: "Это ваша единственная активная карта, и она оплачивает активные объявления.",
			language.Uzbek:   "Bu sizning yagona faol kartangiz va u faol e'lonlar uchun to'laydi.",
		},
		msgAlreadyCharged: {
			language.Russian: "За эту дату объявление уже оплачено.",
			language.Uzbek:   "Bu sana uchun e'lon allaqachon to'langan.",
		},
		msgListingInactive: {
			language.Russian: "Объявление не активно.",
			language.Uzbek:   "E'lon faol emas.",
		},
		msgInternal: {
			language.Russian: "Произошла неизвестная ошибка. Пожалуйста, попробуйте позже!",
			language.Uzbek:   "Noma'lum xatolik yuz berdi. Iltimos, keyinroq qayta urinib ko‘ring!",
		},
	}
	builder := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, localized := range translations {
		_ = builder.SetString(language.English, key, key)
		for tag, text := range localized {
			_ = builder.SetString(tag, key, text)
		}
	}
	return builder
}

// printerFor picks the response language from ?lang= or Accept-Language.
func printerFor(ctx *gin.Context) *message.Printer {
	var preferred []language.Tag
	if raw := ctx.Query("lang"); raw != "" {
		if tag, err := language.Parse(raw); err == nil {
			preferred = append(preferred, tag)
		}
	}
	if tags, _, err := language.ParseAcceptLanguage(ctx.GetHeader("Accept-Language")); err == nil {
		preferred = append(preferred, tags...)
	}
	tag, index, _ := languageMatcher.Match(preferred...)
	if index >= 0 && index < len(supportedLanguages) {
		tag = supportedLanguages[index]
	}
	return message.NewPrinter(tag, message.Catalog(messageCatalog))
}
