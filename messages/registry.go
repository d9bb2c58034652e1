package messages

import (
	"github.com/zylinc/messagebus/contracts"
	"github.com/zylinc/messagebus/serialization"
)

// All returns a zero value of every message type in this package
func All() []contracts.Message {
	return []contracts.Message{
		&UserLoginRequest{},
		&UserLoginResponse{},
		&ServiceConfigurationRequest{},
		&ServiceConfigurationResponse{},
	}
}

// Register adds every message type of this package to registry
func Register(registry serialization.TypeRegistry) error {
	for _, msg := range All() {
		if err := registry.RegisterType(msg); err != nil {
			return err
		}
	}
	return nil
}
