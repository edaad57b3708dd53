package objlink

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

type testNote struct {
	Author string `json:"author"`
	Body   string `json:"body"`
	Stars  int    `json:"stars"`
}

func Test020_registered_objects_round_trip(t *testing.T) {

	cv.Convey("a registered application object should round trip through the serializer into a distinct instance", t, func() {

		reg := NewTypeRegistry()
		reg.Register("demo.Note, demo", testNote{})
		ser := NewJSONSerializer(reg)

		in := &testNote{Author: "ada", Body: "remember the frame budget", Stars: 3}
		by, err := ser.Marshal(in)
		panicOn(err)

		out, err := ser.Unmarshal(by, "demo.Note, demo")
		panicOn(err)
		note, ok := out.(*testNote)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(note, cv.ShouldResemble, in)
		cv.So(note == in, cv.ShouldBeFalse)
	})
}

func Test021_unknown_type_names_fail_lookup(t *testing.T) {

	cv.Convey("an unregistered wire type name should fail Unmarshal and Known, but NameFor still produces a name for sending", t, func() {

		reg := NewTypeRegistry()
		ser := NewJSONSerializer(reg)

		cv.So(reg.Known("demo.Missing, demo"), cv.ShouldBeFalse)
		_, err := ser.Unmarshal([]byte(`{}`), "demo.Missing, demo")
		cv.So(err, cv.ShouldNotBeNil)

		name, err := reg.NameFor(testNote{})
		panicOn(err)
		cv.So(name, cv.ShouldEqual, "github.com/objlink/objlink.testNote")
	})
}

func Test022_registry_clone_is_independent(t *testing.T) {

	cv.Convey("Clone should copy the registrations and then diverge", t, func() {

		a := NewTypeRegistry()
		a.Register("demo.Note, demo", testNote{})
		b := a.Clone()
		b.Register("demo.Only-B, demo", Credentials{})

		cv.So(b.Known("demo.Note, demo"), cv.ShouldBeTrue)
		cv.So(a.Known("demo.Only-B, demo"), cv.ShouldBeFalse)
	})
}

func Test023_pointer_and_value_registrations_agree(t *testing.T) {

	cv.Convey("registering a pointer example should flatten to the same type as the value form", t, func() {

		a := NewTypeRegistry()
		a.Register("demo.Note, demo", (*testNote)(nil))
		name, err := a.NameFor(testNote{})
		panicOn(err)
		cv.So(name, cv.ShouldEqual, "demo.Note, demo")
	})
}

func Test024_codepages_encode_and_decode(t *testing.T) {

	cv.Convey("text should survive each registered codepage, and unknown codepages should error", t, func() {

		for _, cp := range []int32{CodePageUTF8, CodePageUTF16LE, CodePageUTF16BE, CodePageUTF32LE, CodePageLatin1, 1252} {
			by, err := encodeText(cp, "naïve café")
			panicOn(err)
			s, err := decodeText(cp, by)
			panicOn(err)
			cv.So(s, cv.ShouldEqual, "naïve café")
		}

		_, err := encodeText(424242, "x")
		cv.So(err, cv.ShouldNotBeNil)
	})
}
