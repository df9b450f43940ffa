package external

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/miragespace/parrainage/workflow"
)

type SMTPNotifierOptions struct {
	Auth     smtp.Auth
	Hostname string // host:port
	From     string
	Logger   *zap.Logger
}

// SMTPNotifier emails the parrain when their discount lands. Delivery is
// best-effort: the discount is already applied when this runs.
type SMTPNotifier struct {
	SMTPNotifierOptions
}

var _ workflow.Notifier = &SMTPNotifier{}

func NewSMTPNotifier(option SMTPNotifierOptions) (*SMTPNotifier, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if len(option.Hostname) == 0 {
		return nil, fmt.Errorf("empty Hostname is invalid")
	}
	if len(option.From) == 0 {
		return nil, fmt.Errorf("empty From is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &SMTPNotifier{
		SMTPNotifierOptions: option,
	}, nil
}

func (n *SMTPNotifier) SendDiscountApplied(ctx context.Context, customerEmail string, notice workflow.DiscountNotice) bool {
	if len(customerEmail) == 0 {
		return false
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", n.From)
	fmt.Fprintf(&body, "To: %s\r\n", customerEmail)
	fmt.Fprintf(&body, "Subject: Votre remise parrainage est active\r\n")
	fmt.Fprintf(&body, "\r\n")
	fmt.Fprintf(&body, "Bonne nouvelle ! Votre filleul a activé son abonnement.\r\n\r\n")
	fmt.Fprintf(&body, "Remise appliquée : %s\r\n", notice.Amount)
	fmt.Fprintf(&body, "Nouveau prix récurrent : %s\r\n", notice.NewPrice)
	fmt.Fprintf(&body, "Valable jusqu'au : %s\r\n", notice.EndDate.Format("02/01/2006"))

	if err := smtp.SendMail(n.Hostname, n.Auth, n.From, []string{customerEmail}, []byte(body.String())); err != nil {
		n.Logger.Warn("Unable to send discount notification email",
			zap.String("To", customerEmail),
			zap.Error(err),
		)
		return false
	}
	return true
}
