package contract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChatRoleMappingIsTotal(t *testing.T) {
	cases := []struct {
		role Role
		want string
	}{
		{RoleNegotiator, "assistant"},
		{RoleSupplier, "user"},
		{RoleSystem, "system"},
		{RoleOrchestrator, "user"},
		{Role("imported_from_crm"), "user"},
		{Role(""), "user"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.role.ChatRole(), "role %q", tc.role)
	}
}
