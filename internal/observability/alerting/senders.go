package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// WebhookSender 以 JSON 形式向机器人 Webhook 推送告警，同时实现钉钉与 Slack 发送接口。
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender 创建 Webhook 发送器。
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Send 按钉钉机器人的文本消息格式发送。
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	return s.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackSender 返回按 Slack incoming webhook 格式发送的视图。
func (s *WebhookSender) SlackSender() SlackSender { return slackWebhook{s} }

type slackWebhook struct{ *WebhookSender }

func (s slackWebhook) Send(ctx context.Context, channel, content string) error {
	return s.post(ctx, map[string]string{"channel": channel, "text": content})
}

func (s *WebhookSender) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 Webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("Webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// SMTPSender 通过 SMTP 服务器发送纯文本邮件。Server 形如 host:port。
type SMTPSender struct {
	Server string
	From   string
	Auth   smtp.Auth
}

// Send 实现 EmailSender。
func (s *SMTPSender) Send(_ context.Context, subject, content string, to []string) error {
	if _, _, err := net.SplitHostPort(s.Server); err != nil {
		return fmt.Errorf("SMTP 地址不合法: %w", err)
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(content)
	return smtp.SendMail(s.Server, s.Auth, s.From, to, []byte(msg.String()))
}
