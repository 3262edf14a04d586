package smtp

// RFC5322Z is a time layout for date headers in messages, e.g. in Received
// and Date headers and in DSNs, with the zone as numeric offset.
const RFC5322Z = "2 Jan 2006 15:04:05 -0700"
