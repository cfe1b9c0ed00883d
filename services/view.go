package services

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/haibanh/checkout-service/config"
	"github.com/haibanh/checkout-service/models"
	"github.com/haibanh/checkout-service/utils"
)

const (
	emptyCartTitle  = "Giỏ hàng của bạn đang trống"
	waitingTitle    = "Đang chờ thanh toán"
	waitingMessage  = "Vui lòng hoàn tất việc chuyển khoản theo hướng dẫn bên trên. Giao Dịch Có thể mấy ít phút."
	successTitle    = "Thanh toán thành công!"
	successMessage  = "Cảm ơn bạn đã mua hàng."
	receivedFormat  = "Chúng tôi đã nhận được %s"
	expiredTitle    = "Phiên thanh toán đã hết hạn"
	expiredMessage  = "Vui lòng tải lại trang để nhận mã thanh toán mới."
	cancelledTitle  = "Phiên thanh toán đã bị huỷ"
	settlingMessage = "Đơn hàng của bạn đã được xác nhận và đang được xử lý."
)

// ViewOptions holds the fixed parts of the checkout page.
type ViewOptions struct {
	Bank          config.BankConfig
	RedirectPath  string
	RedirectDelay time.Duration
}

// QRCodeURL builds the bank-transfer QR image link for amount and code.
func QRCodeURL(bank config.BankConfig, total int64, orderCode string) string {
	q := url.Values{}
	q.Set("acc", bank.AccountNumber)
	q.Set("bank", bank.Name)
	q.Set("amount", strconv.FormatInt(total, 10))
	q.Set("des", orderCode)
	return bank.QRBaseURL + "?" + q.Encode()
}

// EmptyCartView is shown when there is nothing to pay for.
func EmptyCartView(opts ViewOptions) *models.CheckoutView {
	return &models.CheckoutView{
		State:          models.SessionStateIdle,
		Items:          []models.CartLineItem{},
		TotalFormatted: utils.FormatVND(TotalAmount(nil)),
		Bank:           bankDetails(opts.Bank),
		Banner:         models.Banner{Kind: models.BannerEmpty, Title: emptyCartTitle},
	}
}

// BuildView renders a session for the checkout page.
func BuildView(session models.CheckoutSession, items []models.CartLineItem, opts ViewOptions) *models.CheckoutView {
	if items == nil {
		items = []models.CartLineItem{}
	}
	total := session.TotalAmount
	deadline := session.DeadlineAt

	v := &models.CheckoutView{
		SessionID:        session.ID.String(),
		OrderCode:        session.OrderCode,
		State:            session.State,
		Items:            items,
		Total:            total,
		TotalFormatted:   utils.FormatVND(total),
		Bank:             bankDetails(opts.Bank),
		QRCodeURL:        QRCodeURL(opts.Bank, total.Round(0).IntPart(), session.OrderCode),
		SettlementStatus: session.SettlementStatus,
	}
	if !deadline.IsZero() {
		v.DeadlineAt = &deadline
	}
	if session.ObservedAmount.Valid {
		observed := session.ObservedAmount.Decimal
		v.ObservedAmount = &observed
	}

	switch session.State {
	case models.SessionStateConfirmed:
		msg := successMessage
		if session.SettlementStatus != models.SettlementComplete {
			msg = settlingMessage
		}
		if session.ObservedAmount.Valid {
			msg += " " + fmt.Sprintf(receivedFormat, utils.FormatVND(session.ObservedAmount.Decimal))
		}
		v.Banner = models.Banner{Kind: models.BannerSuccess, Title: successTitle, Message: msg}
		v.RedirectTo = opts.RedirectPath
		v.RedirectAfterMs = opts.RedirectDelay.Milliseconds()
		v.QRCodeURL = ""
	case models.SessionStateExpired:
		v.Banner = models.Banner{Kind: models.BannerExpired, Title: expiredTitle, Message: expiredMessage}
		v.QRCodeURL = ""
	case models.SessionStateCancelled:
		v.Banner = models.Banner{Kind: models.BannerCancelled, Title: cancelledTitle}
		v.QRCodeURL = ""
	default:
		if len(items) == 0 {
			v.Banner = models.Banner{Kind: models.BannerEmpty, Title: emptyCartTitle}
		} else if session.MismatchNotice != "" {
			v.Banner = models.Banner{Kind: models.BannerMismatch, Title: MismatchTitle, Message: session.MismatchNotice}
		} else {
			v.Banner = models.Banner{Kind: models.BannerWaiting, Title: waitingTitle, Message: waitingMessage}
		}
	}
	return v
}

func bankDetails(b config.BankConfig) models.BankDetails {
	return models.BankDetails{
		BankName:      b.Name,
		AccountNumber: b.AccountNumber,
		AccountHolder: b.AccountHolder,
	}
}
