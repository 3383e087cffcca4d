// Package idp runs a disposable OpenID Connect provider for the integration
// tests of a client application.
//
// All of the protocol work (discovery, authorization endpoint, implicit and
// code flows, token signing, key publication) is done by the zitadel/oidc
// library. This package only configures it: one hard-coded client, a fake
// account resolver that accepts any login, and a login page.
//
// The defaults mirror the fixture the client application's tests expect:
//
//	issuer:         http://localhost:3380
//	client:         foo / bar
//	response type:  id_token (implicit), response_mode form_post
//	redirect URIs:  http://localhost:{9000,19001}/callback/{OidcClient,AdClient}
//	claims:         openid -> sub, email -> user_emailid, email_verified
package idp
