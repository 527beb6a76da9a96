package perm

// Core keys gate the base admin sections and are always active.
const (
	KeyDashboard   = "dashboard"
	KeyUsers       = "users"
	KeyRoles       = "roles"
	KeyPermissions = "permissions"
	KeySettings    = "settings"
)

// coreKeys lists the fixed always-active keys.
var coreKeys = []string{
	KeyDashboard,
	KeyUsers,
	KeyRoles,
	KeyPermissions,
	KeySettings,
}

// featureKeys lists the fixed keys whose activity depends on the owning
// feature module reporting itself enabled. A key without a registered probe
// is treated as disabled.
var featureKeys = []string{
	"media",
	"billing",
	"forms",
	"newsletter",
	"seo",
	"redirects",
	"comments",
	"search",
	"webhooks",
	"backups",
	"exports",
	"imports",
	"translations",
	"themes",
	"inventory",
	"shipping",
	"coupons",
	"reviews",
	"campaigns",
	"storefront",
}

// CoreKeys returns a copy of the fixed always-active key list.
func CoreKeys() []string {
	return append([]string(nil), coreKeys...)
}

// FeatureKeys returns a copy of the fixed feature key list.
func FeatureKeys() []string {
	return append([]string(nil), featureKeys...)
}

// builtinMetadata holds the fixed display metadata for core and feature keys.
var builtinMetadata = map[string]KeyMetadata{
	KeyDashboard:   {Label: "Dashboard", Icon: "gauge", Description: "Overview and activity feed"},
	KeyUsers:       {Label: "Users", Icon: "user", Description: "Manage user accounts"},
	KeyRoles:       {Label: "Roles", Icon: "shield", Description: "Manage roles and assignments"},
	KeyPermissions: {Label: "Permissions", Icon: "key", Description: "Edit role permission sets"},
	KeySettings:    {Label: "Settings", Icon: "sliders", Description: "Platform configuration"},

	"media":        {Label: "Media", Icon: "image", Description: "File and media library"},
	"billing":      {Label: "Billing", Icon: "credit-card", Description: "Plans, invoices and payments"},
	"forms":        {Label: "Forms", Icon: "clipboard", Description: "Form builder and submissions"},
	"newsletter":   {Label: "Newsletter", Icon: "mail", Description: "Subscriber lists and sends"},
	"seo":          {Label: "SEO", Icon: "trending-up", Description: "Meta tags and sitemaps"},
	"redirects":    {Label: "Redirects", Icon: "corner-up-right", Description: "URL redirect rules"},
	"comments":     {Label: "Comments", Icon: "message-circle", Description: "Comment moderation"},
	"search":       {Label: "Search", Icon: "search", Description: "Search index management"},
	"webhooks":     {Label: "Webhooks", Icon: "zap", Description: "Outbound webhook endpoints"},
	"backups":      {Label: "Backups", Icon: "archive", Description: "Backup schedules and restores"},
	"exports":      {Label: "Exports", Icon: "download", Description: "Data export jobs"},
	"imports":      {Label: "Imports", Icon: "upload", Description: "Data import jobs"},
	"translations": {Label: "Translations", Icon: "globe", Description: "Locale management"},
	"themes":       {Label: "Themes", Icon: "layout", Description: "Theme selection and options"},
	"inventory":    {Label: "Inventory", Icon: "box", Description: "Stock levels and adjustments"},
	"shipping":     {Label: "Shipping", Icon: "truck", Description: "Shipping zones and rates"},
	"coupons":      {Label: "Coupons", Icon: "tag", Description: "Discount codes"},
	"reviews":      {Label: "Reviews", Icon: "star", Description: "Product review moderation"},
	"campaigns":    {Label: "Campaigns", Icon: "megaphone", Description: "Marketing campaigns"},
	"storefront":   {Label: "Storefront", Icon: "shopping-bag", Description: "Storefront configuration"},
}
