package user

import (
	"github.com/trezcool/shule/core"
)

type serviceMock struct {
	service
}

// NewServiceMock returns a Service whose side effects run synchronously.
func NewServiceMock(repo Repository, mailSvc core.EmailService, conf *core.Config) Service {
	secretKey = []byte(conf.SecretKey)
	passwordResetTimeoutDelta = conf.PasswordResetTimeoutDelta
	return &serviceMock{
		service: service{
			repo:    repo,
			mailSvc: mailSvc,
			conf:    conf,
		},
	}
}
