package wamp

import "encoding/json"

// Router roles announced in WELCOME
const (
	RoleBroker = "broker"
	RoleDealer = "dealer"
)

// Client roles announced in HELLO
const (
	RoleCaller     = "caller"
	RoleCallee     = "callee"
	RolePublisher  = "publisher"
	RoleSubscriber = "subscriber"
)

// RouterWelcomeDetails the WELCOME details announcing the broker and dealer roles
func RouterWelcomeDetails() Dict {
	roles, _ := json.Marshal(map[string]map[string]interface{}{
		RoleBroker: {},
		RoleDealer: {},
	})
	return Dict{"roles": roles}
}
