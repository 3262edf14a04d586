// Package smtp has SMTP definitions shared by the listener, the delivery
// client and the queue: reply codes, addresses, paths and message data
// transfer.
package smtp

// Reply codes, original and enhanced, from RFC 5321 and RFC 3463.

// SMTP reply codes.
const (
	C214Help           = 214
	C220ServiceReady   = 220
	C221ServiceClosing = 221
	C235AuthSuccess    = 235

	C250Completed   = 250
	C252WithoutVrfy = 252

	C334ContinueAuth = 334 // Base64 encoded challenge.
	C354Continue     = 354 // Start with data.

	C421ServiceUnavail = 421 // Temporary, closes connection.
	C454TempAuthFail   = 454
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452StorageFull    = 452 // Also for "too many recipients".
	C455BadParams      = 455

	C500BadSyntax               = 500
	C501BadParamSyntax          = 501
	C502CmdNotImpl              = 502
	C503BadCmdSeq               = 503
	C504ParamNotImpl            = 504
	C530SecurityRequired        = 530 // STARTTLS or AUTH first.
	C535AuthBadCreds            = 535
	C538EncReqForAuth           = 538
	C550MailboxUnavail          = 550
	C552MailboxFull             = 552
	C553BadMailbox              = 553
	C554TransactionFailed       = 554
	C555AddrParamsNotRecognized = 555
)

// Short enhanced reply codes, without leading class and with the class
// derived from the basic reply code at the point of use.
const (
	SeOther00 = "0.0" // Other or undefined status.

	// Address.
	SeAddr1Other0              = "1.0"
	SeAddr1UnknownDestMailbox1 = "1.1"
	SeAddr1UnknownSystem2      = "1.2"
	SeAddr1MailboxSyntax3      = "1.3"
	SeAddr1DestValid5          = "1.5" // For success of rcpt to.
	SeAddr1SenderSyntax7       = "1.7"

	// Mailbox.
	SeMailbox2Other0            = "2.0"
	SeMailbox2Disabled1         = "2.1"
	SeMailbox2Full2             = "2.2"
	SeMailbox2MsgLimitExceeded3 = "2.3"
	SeMailbox2ListExpansion4    = "2.4"

	// Mail system.
	SeSys3Other0         = "3.0"
	SeSys3StorageFull1   = "3.1"
	SeSys3NotAccepting2  = "3.2"
	SeSys3NotSupported3  = "3.3"
	SeSys3MsgTooBig4     = "3.4"
	SeSys3Misconfigured5 = "3.5"

	// Network and routing.
	SeNet4Other0               = "4.0"
	SeNet4DNSError1            = "4.1" // No answer, or not responding service.
	SeNet4BadConn2             = "4.2"
	SeNet4Name3                = "4.3" // DNS failure looking up address.
	SeNet4Routing4             = "4.4"
	SeNet4Congestion5          = "4.5"
	SeNet4Loop6                = "4.6"
	SeNet4DeliveryTimeExpired7 = "4.7"

	// Mail delivery protocol.
	SeProto5Other0               = "5.0"
	SeProto5BadCmdOrSeq1         = "5.1"
	SeProto5Syntax2              = "5.2"
	SeProto5TooManyRcpts3        = "5.3"
	SeProto5BadParams4           = "5.4"
	SeProto5ProtocolMismatch5    = "5.5"
	SeProto5AuthExchangeTooLong6 = "5.6"

	// Message content or media.
	SeMsg6Other0                = "6.0"
	SeMsg6NonASCIINotPermitted7 = "6.7"
	SeMsg6UTF8ReplyRequired8    = "6.8"

	// Security and policy.
	SePol7Other0            = "7.0"
	SePol7DeliveryUnauth1   = "7.1"
	SePol7ExpnProhibited2   = "7.2"
	SePol7AuthBadCreds8     = "7.8"
	SePol7EncNeeded10       = "7.10"
	SePol7EncReqForAuth11   = "7.11"
	SePol7AccountDisabled13 = "7.13"
	SePol7SenderHasNullMX27 = "7.27"
)
