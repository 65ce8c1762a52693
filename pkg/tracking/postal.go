package tracking

// postalEventCodes maps postal tracking event codes to the multi-carrier
// vocabulary stored on orders. The empty code is a failure.
var postalEventCodes = map[string]string{}

func init() {
	groups := map[string][]string{
		"delivered": {"01", "41", "43", "63"},
		"failure": {
			"02", "53", "54", "55", "56", "04", "05", "09",
			"21", "22", "23", "24", "25", "26", "27", "28", "29",
			"11", "12", "", "30", "31", "32", "33", "44", "46", "51", "57", "71", "72",
			"DX", "LX", "MU", "MX", "OX", "TX", "VC", "VH", "VJ", "VS", "VX", "WX", "64",
		},
		"pre_transit": {"GC", "MA", "GX", "89"},
		"in_transit": {
			"03", "14", "VF", "52", "VP", "06", "07", "08", "10", "15", "16", "17",
			"34", "35", "36", "38", "39", "40", "42", "45", "58", "59", "60",
			"A1", "AD", "AE", "AX", "B1", "B5", "DE", "E1", "EF", "L1", "LD", "MR",
			"NT", "OA", "OD", "OF", "PC", "RB", "RC", "SF", "T1", "TM", "UA", "VR", "WN",
			"61", "62", "80", "81", "82", "83", "84", "85", "86", "87",
		},
	}
	for status, codes := range groups {
		for _, code := range codes {
			postalEventCodes[code] = status
		}
	}
}

// PostalEventStatus translates a postal event code into one of "delivered",
// "failure", "pre_transit", "in_transit" or "unknown".
func PostalEventStatus(code string) string {
	if status, ok := postalEventCodes[code]; ok {
		return status
	}
	return "unknown"
}
