package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
)

// TelegramService pushes operational notifications to the ops chat.
// Notifications are fire and forget; finalize never waits on them.
type TelegramService struct {
	botToken    string
	adminChatID string
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string) *TelegramService {
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends a message to specified chat.
func (s *TelegramService) SendMessage(chatID, text string) error {
	if s.botToken == "" {
		log.Println("[Telegram] Bot token not configured")
		return nil
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", s.botToken)

	msg := telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Telegram] Failed to send message: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Telegram] Unexpected status: %d", resp.StatusCode)
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}

// SendToAdmin sends a message to the ops chat.
func (s *TelegramService) SendToAdmin(text string) error {
	if s.adminChatID == "" {
		log.Println("[Telegram] Admin chat ID not configured")
		return nil
	}
	return s.SendMessage(s.adminChatID, text)
}

// FormatAmount formats a shilling amount with thousand separators.
func FormatAmount(amount decimal.Decimal) string {
	str := amount.Round(0).String()

	var result strings.Builder
	length := len(str)
	for i, digit := range str {
		if i > 0 && (length-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}

	return "KES " + result.String()
}

// NotifyPaymentSuccess reports a settled rent payment to the ops chat.
// The phone number arrives pre-masked; receipts are safe to show.
func (s *TelegramService) NotifyPaymentSuccess(invoiceNumber, maskedMsisdn string, amount decimal.Decimal, receipt string) error {
	if s.adminChatID == "" {
		return nil
	}

	message := fmt.Sprintf(`<b>✅ RENT PAYMENT RECEIVED</b>
<b>📋 Invoice:</b> %s
<b>📞 Phone:</b> %s
<b>💰 Amount:</b> %s
<b>🧾 Receipt:</b> %s
━━━━━━━━━━━━━━━━━━
<i>KodiPay</i>`,
		invoiceNumber,
		maskedMsisdn,
		FormatAmount(amount),
		receipt,
	)

	return s.SendToAdmin(strings.TrimSpace(message))
}

// NotifyPaymentFailure reports a failed push so ops can spot patterns
// (wrong PINs, cancelled prompts, subscriber timeouts).
func (s *TelegramService) NotifyPaymentFailure(invoiceNumber, maskedMsisdn, reason string) error {
	if s.adminChatID == "" {
		return nil
	}

	message := fmt.Sprintf(`<b>⚠️ RENT PAYMENT FAILED</b>
<b>📋 Invoice:</b> %s
<b>📞 Phone:</b> %s
<b>❗ Reason:</b> %s
━━━━━━━━━━━━━━━━━━
<i>KodiPay</i>`,
		invoiceNumber,
		maskedMsisdn,
		reason,
	)

	return s.SendToAdmin(strings.TrimSpace(message))
}
