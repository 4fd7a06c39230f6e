package system

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"archzfs/installer/internal/config"
	"archzfs/installer/internal/shell"
)

const sudoersWheel = "%wheel ALL=(ALL) ALL\n"

// passwdInput is what passwd reads on stdin: the password twice.
func passwdInput(pw string) string {
	return pw + "\n" + pw + "\n"
}

// ShellPackage is the package providing a login shell, or "" for bash which
// base already ships.
func ShellPackage(sh string) string {
	name := path.Base(sh)
	if sh == "" || name == "bash" {
		return ""
	}
	return name
}

// UserAddArgs builds useradd for u inside the target.
func UserAddArgs(u config.UserSpec) []string {
	args := []string{"useradd", "-m"}
	if len(u.Groups) > 0 {
		args = append(args, "-G", strings.Join(u.Groups, ","))
	}
	sh := u.Shell
	if sh == "" {
		sh = "/bin/bash"
	}
	return append(args, "-s", sh, u.Name)
}

// ConfigureAccounts sets the root password and creates each user. Every
// account is validated before its first command runs.
func (p *Provisioner) ConfigureAccounts(ctx context.Context, st *config.State) error {
	sys := st.System
	if err := config.ValidatePassword("root", sys.RootPassword, sys.RootPasswordConfirm); err != nil {
		return err
	}
	if err := p.setPassword(ctx, st, "root", sys.RootPassword); err != nil {
		return err
	}

	wheel := false
	for _, u := range sys.Users {
		if err := config.ValidateUser(u); err != nil {
			return err
		}
		if pkg := ShellPackage(u.Shell); pkg != "" {
			if err := p.install(ctx, st, pkg); err != nil {
				return fmt.Errorf("install shell %s: %w", pkg, err)
			}
		}
		a := UserAddArgs(u)
		if err := p.run(ctx, shell.Chroot(st.MountRoot, a[0], a[1:]...)); err != nil {
			return fmt.Errorf("create user %s: %w", u.Name, err)
		}
		if err := p.setPassword(ctx, st, u.Name, u.Password); err != nil {
			return err
		}
		p.Log.Info().Str("user", u.Name).Strs("groups", u.Groups).Msg("user created")
		wheel = wheel || slices.Contains(u.Groups, "wheel")
	}

	if wheel {
		if err := p.install(ctx, st, "sudo"); err != nil {
			return fmt.Errorf("install sudo: %w", err)
		}
		if err := p.write(st, "/etc/sudoers.d/wheel", sudoersWheel, 0o440); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) setPassword(ctx context.Context, st *config.State, user, pw string) error {
	args := []string{}
	if user != "root" {
		args = append(args, user)
	}
	c := shell.Chroot(st.MountRoot, "passwd", args...).WithSecret(passwdInput(pw))
	if err := p.run(ctx, c); err != nil {
		return fmt.Errorf("set password for %s: %w", user, err)
	}
	return nil
}
