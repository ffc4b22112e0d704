package main

import (
	"context"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/user"
)

// addUser updates or creates a user.User; meant for bootstrapping the
// first super admin of a deployment.
func (cli *commandLine) addUser(email, firstName, lastName, role, schoolID, pwd string) error {
	ctx := context.Background()

	usr := user.User{
		FirstName: core.CleanString(firstName),
		LastName:  core.CleanString(lastName),
		Email:     core.CleanString(email, true /* lower */),
		Role:      core.CleanString(role, true /* lower */),
		SchoolID:  core.CleanString(schoolID),
	}
	usr.SetActive(true)
	if err := usr.SetPassword(pwd); err != nil {
		return err
	}
	if _, err := cli.usrRepo.UpdateOrCreateUser(ctx, usr); err != nil {
		return err
	}
	return nil
}
