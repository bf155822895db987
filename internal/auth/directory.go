package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/termgate/termgate/internal/logutil"
)

// DirectoryConfig holds the directory-service connection and search
// settings. Filters carry a {username} (user filter) or {user_dn} /
// {username} (group filter) placeholder, validated at startup.
type DirectoryConfig struct {
	URL           string
	StartTLS      bool
	TLSSkipVerify bool
	BindDN        string
	BindPassword  string
	BaseDN        string
	UserFilter    string
	GroupFilter   string
	GroupBaseDN   string
	Timeout       time.Duration
}

// DirectoryClient is the slice of the LDAP connection the verifier needs.
// Tests substitute a fake; production uses ldapConn.
type DirectoryClient interface {
	Connect(url string, startTLS, skipTLSVerify bool, timeout time.Duration) error
	Bind(dn, password string) error
	Search(baseDN, filter string, attributes []string) ([]*ldap.Entry, error)
	Close()
}

// Directory authenticates users against an LDAP/AD server with the
// bind-search-rebind flow:
//
//  1. bind as the service account
//  2. search for exactly one entry matching the user filter
//  3. optionally require a non-empty group search result
//  4. re-bind as the found DN with the submitted password
type Directory struct {
	cfg DirectoryConfig

	// newClient returns a fresh connection per attempt; swappable in tests.
	newClient func() DirectoryClient
}

func NewDirectory(cfg DirectoryConfig) *Directory {
	return &Directory{
		cfg:       cfg,
		newClient: func() DirectoryClient { return &ldapConn{} },
	}
}

// Authenticate validates the credential pair. It returns
// ErrInvalidCredentials for a definitive rejection and ErrUnavailable when
// the directory could not be consulted.
func (d *Directory) Authenticate(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// An empty password would turn the user re-bind into an anonymous
	// bind, which many servers report as success.
	if username == "" || password == "" {
		return ErrInvalidCredentials
	}

	client := d.newClient()
	if err := client.Connect(d.cfg.URL, d.cfg.StartTLS, d.cfg.TLSSkipVerify, d.cfg.Timeout); err != nil {
		return fmt.Errorf("%w: directory connect: %v", ErrUnavailable, err)
	}
	defer client.Close()

	if err := client.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
		log.Printf("ERROR: directory service account bind failed: %v", err)
		return fmt.Errorf("%w: service bind: %v", ErrUnavailable, err)
	}

	filter := strings.Replace(d.cfg.UserFilter, "{username}", ldap.EscapeFilter(username), 1)
	entries, err := client.Search(d.cfg.BaseDN, filter, []string{"dn"})
	if err != nil {
		return fmt.Errorf("%w: user search: %v", ErrUnavailable, err)
	}
	if len(entries) == 0 {
		log.Printf("directory user not found: %s", logutil.SanitizeForLog(username))
		return ErrInvalidCredentials
	}
	if len(entries) > 1 {
		log.Printf("ERROR: directory search for %s matched %d entries, expected 1",
			logutil.SanitizeForLog(username), len(entries))
		return ErrInvalidCredentials
	}
	userDN := entries[0].DN

	if d.cfg.GroupFilter != "" {
		groupFilter := d.cfg.GroupFilter
		groupFilter = strings.Replace(groupFilter, "{user_dn}", ldap.EscapeFilter(userDN), 1)
		groupFilter = strings.Replace(groupFilter, "{username}", ldap.EscapeFilter(username), 1)

		groups, err := client.Search(d.cfg.GroupBaseDN, groupFilter, []string{"dn"})
		if err != nil {
			return fmt.Errorf("%w: group search: %v", ErrUnavailable, err)
		}
		if len(groups) == 0 {
			log.Printf("directory user %s is not in the required group", logutil.SanitizeForLog(username))
			return ErrInvalidCredentials
		}
	}

	if err := client.Bind(userDN, password); err != nil {
		var lerr *ldap.Error
		if errors.As(err, &lerr) && lerr.ResultCode == ldap.LDAPResultInvalidCredentials {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("%w: user bind: %v", ErrUnavailable, err)
	}
	return nil
}

// ldapConn adapts *ldap.Conn to DirectoryClient.
type ldapConn struct {
	conn *ldap.Conn
}

func (c *ldapConn) Connect(url string, startTLS, skipTLSVerify bool, timeout time.Duration) error {
	conn, err := ldap.DialURL(url, ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: skipTLSVerify}))
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	if timeout > 0 {
		conn.SetTimeout(timeout)
	}
	if startTLS && !strings.HasPrefix(url, "ldaps://") {
		if err := conn.StartTLS(&tls.Config{InsecureSkipVerify: skipTLSVerify}); err != nil {
			conn.Close()
			return fmt.Errorf("starttls %s: %w", url, err)
		}
	}
	c.conn = conn
	return nil
}

func (c *ldapConn) Bind(dn, password string) error {
	if c.conn == nil {
		return fmt.Errorf("directory connection not established")
	}
	return c.conn.Bind(dn, password)
}

func (c *ldapConn) Search(baseDN, filter string, attributes []string) ([]*ldap.Entry, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("directory connection not established")
	}
	req := ldap.NewSearchRequest(
		baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0,
		0,
		false,
		filter,
		attributes,
		nil,
	)
	res, err := c.conn.Search(req)
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

func (c *ldapConn) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

var _ DirectoryClient = (*ldapConn)(nil)
