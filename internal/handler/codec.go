package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/oasis-checkout/internal/domain/checkout"
	"github.com/xenking/oasis-checkout/internal/domain/order"
	"github.com/xenking/oasis-checkout/internal/domain/promotion"
)

const maxBodyBytes = 1 << 20

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return body, nil
}

// decodeDecimal accepts a JSON number or a numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Null:
		return decimal.Zero, d.Null()
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	}
}

func decodeString(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func decodeCheckoutRequest(data []byte) (checkout.Request, error) {
	var req checkout.Request
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "customer":
			req.Customer, err = decodeCustomer(d)
		case "shippingAddress":
			req.ShippingAddress, err = decodeAddress(d)
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				it, err := decodeCartItem(d)
				if err != nil {
					return err
				}
				req.Items = append(req.Items, it)
				return nil
			})
		case "subtotal":
			req.Subtotal, err = decodeDecimal(d)
		case "delivery":
			req.Delivery, err = decodeDecimal(d)
		case "total":
			req.Total, err = decodeDecimal(d)
		case "promoCode":
			req.PromoCode, err = decodeString(d)
		case "paymentMethod":
			req.PaymentMethod, err = decodeString(d)
		case "notes":
			req.Notes, err = decodeString(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return req, err
}

func decodeCustomer(d *jx.Decoder) (order.Customer, error) {
	var c order.Customer
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "firstName":
			c.FirstName, err = decodeString(d)
		case "lastName":
			c.LastName, err = decodeString(d)
		case "email":
			c.Email, err = decodeString(d)
		case "phone":
			c.Phone, err = decodeString(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return c, err
}

func decodeAddress(d *jx.Decoder) (order.Address, error) {
	var a order.Address
	if d.Next() == jx.Null {
		return a, d.Null()
	}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "street":
			a.Street, err = decodeString(d)
		case "suburb":
			a.Suburb, err = decodeString(d)
		case "city":
			a.City, err = decodeString(d)
		case "province":
			a.Province, err = decodeString(d)
		case "postalCode":
			a.PostalCode, err = decodeString(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return a, err
}

func decodeCartItem(d *jx.Decoder) (checkout.Item, error) {
	var it checkout.Item
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			it.ProductID, err = decodeString(d)
		case "name":
			it.Name, err = decodeString(d)
		case "price":
			it.Price, err = decodeDecimal(d)
		case "quantity":
			it.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	return it, err
}

type evaluateRequest struct {
	Items    []promotion.Item
	Subtotal *decimal.Decimal
	Code     string
}

func decodeEvaluateRequest(data []byte) (evaluateRequest, error) {
	var req evaluateRequest
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var it promotion.Item
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "id":
						it.ProductID, err = decodeString(d)
					case "price":
						it.Price, err = decodeDecimal(d)
					case "quantity":
						it.Quantity, err = d.Int()
					case "category":
						it.Category, err = decodeString(d)
					case "brand":
						it.Brand, err = decodeString(d)
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				req.Items = append(req.Items, it)
				return nil
			})
		case "subtotal":
			var s decimal.Decimal
			s, err = decodeDecimal(d)
			req.Subtotal = &s
		case "code":
			req.Code, err = decodeString(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	return req, err
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func encodeMoney(e *jx.Encoder, field string, d decimal.Decimal) {
	e.FieldStart(field)
	e.RawStr(d.StringFixed(2))
}

func encodeStrings(e *jx.Encoder, field string, values []string) {
	e.FieldStart(field)
	e.ArrStart()
	for _, v := range values {
		e.Str(v)
	}
	e.ArrEnd()
}

func encodeCheckoutResult(e *jx.Encoder, res *checkout.Result) {
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(true)
	e.FieldStart("orderId")
	e.Str(res.OrderID)
	e.FieldStart("orderNumber")
	e.Str(res.OrderNumber)
	e.FieldStart("invoiceNumber")
	e.Str(res.InvoiceNumber)
	if res.Duplicate {
		e.FieldStart("duplicate")
		e.Bool(true)
	}
	if len(res.ItemsRemoved) > 0 {
		encodeStrings(e, "itemsRemoved", res.ItemsRemoved)
	}
	if res.Warning != "" {
		e.FieldStart("warning")
		e.Str(res.Warning)
	}
	if o := res.Order; o != nil {
		encodeMoney(e, "subtotal", o.Subtotal)
		encodeMoney(e, "discount", o.DiscountAmount)
		encodeMoney(e, "delivery", o.DeliveryFee)
		encodeMoney(e, "total", o.TotalAmount)
	}
	e.ObjEnd()
}

func encodeFailure(e *jx.Encoder, msg string, extra func(e *jx.Encoder)) {
	e.ObjStart()
	e.FieldStart("success")
	e.Bool(false)
	e.FieldStart("error")
	e.Str(msg)
	if extra != nil {
		extra(e)
	}
	e.ObjEnd()
}

func encodeEvaluation(e *jx.Encoder, ev *promotion.Evaluation) {
	e.ObjStart()
	e.FieldStart("appliedPromotions")
	e.ArrStart()
	for _, a := range ev.Applied {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(a.PromotionID)
		e.FieldStart("name")
		e.Str(a.Name)
		e.FieldStart("kind")
		e.Str(string(a.Kind))
		encodeMoney(e, "discount", a.Discount)
		if a.Code != "" {
			e.FieldStart("code")
			e.Str(a.Code)
		}
		e.ObjEnd()
	}
	e.ArrEnd()
	encodeMoney(e, "totalDiscount", ev.TotalDiscount)
	e.FieldStart("freeShipping")
	e.Bool(ev.FreeShipping)
	e.ObjEnd()
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("orderNumber")
	e.Str(o.OrderNumber)
	e.FieldStart("invoiceNumber")
	e.Str(o.InvoiceNumber)
	e.FieldStart("status")
	e.Str(string(o.Status))
	e.FieldStart("paymentStatus")
	e.Str(string(o.PaymentStatus))
	e.FieldStart("paymentMethod")
	e.Str(o.PaymentMethod)
	e.FieldStart("createdAt")
	e.Str(o.CreatedAt.UTC().Format(time.RFC3339))
	e.FieldStart("items")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(l.ProductID)
		e.FieldStart("name")
		e.Str(l.ProductName)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		encodeMoney(e, "unitPrice", l.UnitPrice)
		encodeMoney(e, "lineTotal", l.LineTotal)
		e.ObjEnd()
	}
	e.ArrEnd()
	encodeMoney(e, "subtotal", o.Subtotal)
	encodeMoney(e, "discount", o.DiscountAmount)
	encodeMoney(e, "delivery", o.DeliveryFee)
	encodeMoney(e, "total", o.TotalAmount)
	if o.PromoCode != "" {
		e.FieldStart("promoCode")
		e.Str(o.PromoCode)
	}
	e.ObjEnd()
}
