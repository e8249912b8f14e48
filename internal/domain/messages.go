package domain

// Visitor-facing fallbacks used when an agent leaves the template empty.
const (
	DefaultRequestFailedMessage      = "Sorry, I'm having trouble with that."
	DefaultHandoverFailedMessage     = "Sorry I'm unable to transfer you to an agent."
	DefaultHandoverMessage           = "Connecting you with a live agent"
	DefaultWelcomeMessage            = "Hi there! I am a virtual assistant, designed to answer questions about your service."
	DefaultServiceUnavailableMessage = "There are no agents currently available. Please try again later."
	DefaultCloseChatMessage          = "Thanks for contacting us. Please close this window to end your chat session."
	WelcomeDisabledInputMessage      = "Starting chat..."
)

// Marker texts the platform posts into a room on visitor-side lifecycle events.
const (
	ClosedByVisitorText     = "closed_by_visitor"
	CustomerIdleTimeoutText = "customer_idle_timeout"
)

// Backend event names raised by the bridge itself.
const (
	WelcomeEventName        = "Welcome"
	ChangeLanguageEventName = "ChangeLanguage"
)
