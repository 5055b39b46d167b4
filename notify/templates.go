// Package notify renders and delivers outbound messages. Rendering is
// synchronous and pure; delivery is asynchronous through a bounded queue and
// a retried gateway pipeline, so a slow or dead gateway can never hold up an
// order transition.
package notify

import (
	"fmt"
	"strings"
	"text/template"
)

// Template names one outbound message shape.
type Template string

const (
	TemplateOrderConfirmed     Template = "order_confirmed"
	TemplateVendorAssignment   Template = "vendor_assignment"
	TemplateInsufficientCredit Template = "insufficient_credit"
	TemplateQuickReorder       Template = "quick_reorder"
	TemplateHelp               Template = "help"
	TemplateOrderAccepted      Template = "order_accepted"
	TemplateHeldForApproval    Template = "held_for_approval"
	TemplateOrderRejected      Template = "order_rejected"
	TemplateClarification      Template = "clarification"
	TemplateOrderStatus        Template = "order_status"
	TemplateOrderNotFound      Template = "order_not_found"
	TemplateVendorReminder     Template = "vendor_reminder"
	TemplateImageReview        Template = "image_review"
	TemplateGreeting           Template = "greeting"
	TemplateUnknown            Template = "unknown"
)

// HelpText enumerates what retailers can do; also the fallback shown for
// unparseable messages.
const HelpText = `You can:
- Order: send items like "10kg rice, 5kg dal"
- Check an order: reply "order status" or send the order number
- See this menu: reply "help"`

var templates = map[Template]*template.Template{
	TemplateOrderConfirmed: parse(TemplateOrderConfirmed,
		`Order {{.order_number}} confirmed. Total: {{.total}}. We're assigning a vendor.`),
	TemplateVendorAssignment: parse(TemplateVendorAssignment,
		`New order {{.order_number}} from {{.retailer_name}}. Total {{.total}}. Reply ACCEPT or DECLINE within 2 hours.`),
	TemplateInsufficientCredit: parse(TemplateInsufficientCredit,
		`Order exceeds available credit limit. Your available credit is {{.available}}. Please make a payment or reduce order amount.`),
	TemplateQuickReorder: parse(TemplateQuickReorder,
		`Hi! It's been {{.days}} days since your last order. Reply YES to reorder: {{.item_lines}}. Total: {{.estimated_total}}.`),
	TemplateHelp: parse(TemplateHelp, HelpText),
	TemplateOrderAccepted: parse(TemplateOrderAccepted,
		`Good news! Order {{.order_number}} was accepted and is being prepared. Total: {{.total}}.`),
	TemplateHeldForApproval: parse(TemplateHeldForApproval,
		`Order {{.order_number}} needs a quick approval from our team. Total: {{.total}}. We'll confirm shortly.`),
	TemplateOrderRejected: parse(TemplateOrderRejected,
		`We couldn't place your order: {{.reason}}`),
	TemplateClarification: parse(TemplateClarification,
		"Before we place this order:\n{{.questions}}"),
	TemplateOrderStatus: parse(TemplateOrderStatus,
		`Order {{.order_number}}: {{.status}}.`),
	TemplateOrderNotFound: parse(TemplateOrderNotFound,
		`We couldn't find {{if .order_number}}order {{.order_number}}{{else}}any orders for you yet{{end}}. Send items like "10kg rice" to place one.`),
	TemplateVendorReminder: parse(TemplateVendorReminder,
		`You have a pending order {{.order_number}}. Please reply ACCEPT or DECLINE.`),
	TemplateImageReview: parse(TemplateImageReview,
		`We received your image order but couldn't read it automatically. Our team is reviewing it and will confirm shortly.`),
	TemplateGreeting: parse(TemplateGreeting,
		`{{if .returning}}Welcome back!{{else}}Welcome!{{end}} Send items like "10kg rice" to order, or "help" for options.`),
	TemplateUnknown: parse(TemplateUnknown,
		"Sorry, we didn't get that.\n"+HelpText),
}

func parse(name Template, text string) *template.Template {
	return template.Must(template.New(string(name)).Option("missingkey=error").Parse(text))
}

// Render executes |t| against |data|. Amounts in |data| must already be
// formatted strings; rendering never does monetary math.
func Render(t Template, data map[string]interface{}) (string, error) {
	var tmpl, ok = templates[t]
	if !ok {
		return "", fmt.Errorf("unknown notification template %q", t)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", t, err)
	}
	return b.String(), nil
}
