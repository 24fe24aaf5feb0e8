package geo

import "strings"

type apiCountry struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type apiError struct {
	Code int    `json:"code"`
	Type string `json:"type"`
	Info string `json:"info"`
}

type apiResponse struct {
	IP          string      `json:"ip"`
	CountryCode string      `json:"country_code"`
	CountryName string      `json:"country_name"`
	Country     *apiCountry `json:"country"`
	RegionCode  string      `json:"region_code"`
	Region      string      `json:"region"`
	RegionName  string      `json:"region_name"`
	City        string      `json:"city"`
	Zip         string      `json:"zip"`
	Latitude    float64     `json:"latitude"`
	Longitude   float64     `json:"longitude"`
	Location    *Location   `json:"location"`
	Success     *bool       `json:"success"`
	Error       *apiError   `json:"error"`
}

// providerError returns the error envelope, if the response carries one
func (r *apiResponse) providerError() *ProviderError {
	failed := r.Success != nil && !*r.Success
	if r.Error != nil && (r.Error.Info != "" || r.Error.Code != 0) {
		failed = true
	}
	if !failed {
		return nil
	}
	pe := &ProviderError{}
	if r.Error != nil {
		pe.Code = r.Error.Code
		pe.Type = r.Error.Type
		pe.Info = r.Error.Info
	}
	return pe
}

// normalize flattens nested fields and fills derived presentation values
func (r *apiResponse) normalize() Result {
	res := Result{
		IP:          r.IP,
		CountryCode: r.CountryCode,
		CountryName: r.CountryName,
		RegionCode:  r.RegionCode,
		Region:      r.Region,
		City:        r.City,
		Zip:         r.Zip,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
	}

	if res.CountryCode == "" && r.Country != nil {
		res.CountryCode = r.Country.Code
		if res.CountryName == "" {
			res.CountryName = r.Country.Name
		}
	}
	if strings.TrimSpace(res.Region) == "" && r.RegionName != "" {
		res.Region = r.RegionName
	}

	if r.Location != nil && (r.Location.CountryFlag != "" || r.Location.CountryFlagEmoji != "") {
		res.Location = *r.Location
	} else {
		res.Location = flagLocation(res.CountryCode)
	}
	return res
}
