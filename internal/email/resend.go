package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"time"

	"mealcredits/internal/models"
)

var (
	ErrEmailNotConfigured = errors.New("email service not configured")
	ErrSendFailed         = errors.New("failed to send email")
)

const defaultBaseURL = "https://api.resend.com"

// ResendClient sends transactional mail through the Resend API.
type ResendClient struct {
	apiKey    string
	fromEmail string
	baseURL   string
	http      *http.Client
}

func NewResendClient(apiKey, fromEmail string) *ResendClient {
	return &ResendClient{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		baseURL:   defaultBaseURL,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL points the client at another API host, e.g. a test server.
func (c *ResendClient) WithBaseURL(baseURL string) *ResendClient {
	c.baseURL = baseURL
	return c
}

func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != "" && c.fromEmail != ""
}

type sendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (c *ResendClient) SendEmail(ctx context.Context, to, subject, htmlContent string) error {
	if !c.IsConfigured() {
		return ErrEmailNotConfigured
	}

	jsonData, err := json.Marshal(sendEmailRequest{
		From:    c.fromEmail,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlContent,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%w: status code %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}

func kindLabel(kind models.Kind, n int) string {
	noun := "meal"
	if kind == models.KindSevenDayPlan {
		noun = "7-day plan"
	}
	if n == 1 {
		return fmt.Sprintf("1 %s credit", noun)
	}
	return fmt.Sprintf("%d %s credits", n, noun)
}

// SendPurchaseReceipt confirms an applied purchase and the balance it left.
func (c *ResendClient) SendPurchaseReceipt(ctx context.Context, to string, price models.PriceGrant, bal models.CreditBalance) error {
	subject := "Your credits are ready"
	htmlContent := fmt.Sprintf(`
<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>%s</title>
</head>
<body style="margin: 0; padding: 0; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background-color: #f4f4f4;">
    <table role="presentation" style="width: 600px; margin: 40px auto; border-collapse: collapse; background-color: #ffffff; border-radius: 8px;">
        <tr>
            <td style="padding: 40px 40px 20px 40px; text-align: center;">
                <h1 style="margin: 0; color: #333333; font-size: 24px; font-weight: 600;">Thanks for your purchase</h1>
            </td>
        </tr>
        <tr>
            <td style="padding: 0 40px 20px 40px; text-align: center;">
                <p style="margin: 0; color: #666666; font-size: 16px;">%s added %s to your account.</p>
            </td>
        </tr>
        <tr>
            <td style="padding: 20px 40px 40px 40px; text-align: center;">
                <p style="margin: 0; color: #999999; font-size: 14px;">You now have %s and %s.</p>
            </td>
        </tr>
    </table>
</body>
</html>
`, subject,
		html.EscapeString(price.Name),
		kindLabel(price.Kind, price.Amount),
		kindLabel(models.KindSingle, bal.Single),
		kindLabel(models.KindSevenDayPlan, bal.SevenDayPlan),
	)
	return c.SendEmail(ctx, to, subject, htmlContent)
}
